package resource

import "testing"

func TestParseAllocation(t *testing.T) {
	a, err := ParseAllocation("1.5", "2G", "10G")
	if err != nil {
		t.Fatalf("ParseAllocation: %v", err)
	}
	if a.CPUMilli != 1500 {
		t.Errorf("CPUMilli = %d, want 1500", a.CPUMilli)
	}
	if a.MemoryBytes != 2*1024*1024*1024 {
		t.Errorf("MemoryBytes = %d", a.MemoryBytes)
	}
	if a.StorageBytes != 10*1024*1024*1024 {
		t.Errorf("StorageBytes = %d", a.StorageBytes)
	}
	if a.CPUCores() != 1.5 {
		t.Errorf("CPUCores = %v", a.CPUCores())
	}
}

func TestParseAllocationRejectsBadInput(t *testing.T) {
	cases := [][3]string{
		{"x", "2G", "10G"},
		{"0", "2G", "10G"},
		{"-1", "2G", "10G"},
		{"1", "lots", "10G"},
		{"1", "2G", "many"},
	}
	for _, c := range cases {
		if _, err := ParseAllocation(c[0], c[1], c[2]); err == nil {
			t.Errorf("ParseAllocation(%q, %q, %q) succeeded", c[0], c[1], c[2])
		}
	}
}

func TestAllocationEqual(t *testing.T) {
	a := Allocation{CPUMilli: 1000, MemoryBytes: 1 << 30, StorageBytes: 10 << 30}
	if !a.Equal(a) {
		t.Error("allocation not equal to itself")
	}
	b := a
	b.StorageBytes++
	if a.Equal(b) {
		t.Error("allocations differing in storage reported equal")
	}
	if !(Allocation{}).IsZero() {
		t.Error("zero allocation not IsZero")
	}
	if a.IsZero() {
		t.Error("non-zero allocation reported IsZero")
	}
}
