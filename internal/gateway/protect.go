package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sudigital/neptu-api/internal/auth"
	"github.com/sudigital/neptu-api/internal/metrics"
	"github.com/sudigital/neptu-api/internal/usage"
)

// Protect wraps h with the pipeline for route. Rate-limit headers are set
// whenever the limiter ran. Usage is recorded after h returns, and never for
// requests rejected before h.
func (p *Pipeline) Protect(route Route, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := NewRequestContext(route, c.GetHeader("Authorization"), p.now())
		rc, rej := p.Run(c.Request.Context(), rc)

		if d, ok := rc.Decision(); ok {
			d.SetHeaders(c.Writer.Header())
		}
		if rej != nil {
			metrics.GatewayRejectionsTotal.WithLabelValues(rej.Reason).Inc()
			c.AbortWithStatusJSON(rej.Status, rej.body())
			return
		}

		auth.SetIdentity(c, rc.Identity())

		defer func() {
			if r := recover(); r != nil {
				p.recordUsage(c, rc, http.StatusInternalServerError)
				panic(r)
			}
		}()
		h(c)
		p.recordUsage(c, rc, c.Writer.Status())
	}
}

// IdentityFrom returns the identity of the caller admitted by Protect.
func IdentityFrom(c *gin.Context) (*auth.Identity, bool) {
	return auth.IdentityFrom(c)
}

func (p *Pipeline) recordUsage(c *gin.Context, rc RequestContext, status int) {
	if p.usage == nil {
		return
	}
	route, id := rc.Route(), rc.Identity()
	standard, ai := rc.Charged()

	endpoint := route.Endpoint
	if endpoint == "" {
		endpoint = c.FullPath()
	}

	p.usage.Record(&usage.Record{
		CredentialID:   id.CredentialID,
		OwnerID:        id.OwnerID,
		Endpoint:       endpoint,
		Method:         c.Request.Method,
		CreditsCharged: standard + ai,
		AI:             route.AI(),
		Status:         status,
		LatencyMs:      p.now().Sub(rc.StartedAt()).Milliseconds(),
		IP:             c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
	})
}
