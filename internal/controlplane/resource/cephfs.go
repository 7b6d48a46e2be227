package resource

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"
)

const cephQuotaAttr = "ceph.quota.max_bytes"

// CephQuota enforces per-instance storage limits through CephFS quota
// extended attributes on the instance data directory.
type CephQuota struct{}

// NewCephQuota returns a QuotaStore backed by CephFS xattrs.
func NewCephQuota() *CephQuota {
	return &CephQuota{}
}

// SetQuota writes the max-bytes quota attribute on path. A zero value removes
// the quota.
func (c *CephQuota) SetQuota(path string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("storage quota for %s must not be negative", path)
	}
	val := strconv.FormatInt(bytes, 10)
	if err := unix.Setxattr(path, cephQuotaAttr, []byte(val), 0); err != nil {
		return fmt.Errorf("set %s on %s: %w", cephQuotaAttr, path, err)
	}
	return nil
}

// Quota reads the current max-bytes quota attribute from path. A missing
// attribute means no quota is set and returns zero.
func (c *CephQuota) Quota(path string) (int64, error) {
	buf := make([]byte, 32)
	n, err := unix.Getxattr(path, cephQuotaAttr, buf)
	if err != nil {
		if err == unix.ENODATA {
			return 0, nil
		}
		return 0, fmt.Errorf("get %s on %s: %w", cephQuotaAttr, path, err)
	}
	v, err := strconv.ParseInt(string(buf[:n]), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s on %s: %w", cephQuotaAttr, path, err)
	}
	return v, nil
}
