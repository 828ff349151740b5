package rest

import (
	"net/http"
	"net/netip"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
)

// parseCIDRs drops entries that do not parse, logging each one.
func parseCIDRs(cidrs []string, logger *log.Logger) []netip.Prefix {
	nets := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		if err != nil {
			logger.Warn("ignoring admin CIDR", "cidr", cidr, "err", err)
			continue
		}
		nets = append(nets, p.Masked())
	}
	return nets
}

// ipACLMiddleware restricts the admin API to clients inside allowedCIDRs.
// An empty parsed list denies everyone.
func ipACLMiddleware(allowedCIDRs []string, logger *log.Logger) gin.HandlerFunc {
	allowed := parseCIDRs(allowedCIDRs, logger)
	logger.Info("admin IP ACL enabled", "networks", len(allowed))

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		ip, err := netip.ParseAddr(clientIP)
		if err != nil {
			logger.Warn("IP ACL: blocked unparsable client address", "client", clientIP, "remote", c.Request.RemoteAddr)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
			return
		}
		ip = ip.Unmap()

		for _, p := range allowed {
			if p.Contains(ip) {
				c.Next()
				return
			}
		}
		logger.Warn("IP ACL: blocked", "client", clientIP, "method", c.Request.Method, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	}
}
