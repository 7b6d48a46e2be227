package resource

import "fmt"

// TraefikLabels generates Docker labels for Traefik reverse-proxy routing.
// Each instance gets a subdomain: <instanceID>.<baseDomain>
func TraefikLabels(instanceID, baseDomain string, containerPort int) map[string]string {
	svc := "odoo-" + instanceID
	host := fmt.Sprintf("%s.%s", instanceID, baseDomain)

	return map[string]string{
		"traefik.enable": "true",

		// HTTP router
		fmt.Sprintf("traefik.http.routers.%s.rule", svc):             fmt.Sprintf("Host(`%s`)", host),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", svc):      "websecure",
		fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", svc): "le",

		// Service
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", svc): fmt.Sprintf("%d", containerPort),
	}
}
