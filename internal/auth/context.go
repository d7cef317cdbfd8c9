package auth

import "github.com/gin-gonic/gin"

// ContextKeyIdentity is the gin context key holding the validated *Identity.
const ContextKeyIdentity = "neptu.identity"

// SetIdentity stores id on the request context.
func SetIdentity(c *gin.Context, id *Identity) {
	c.Set(ContextKeyIdentity, id)
}

// IdentityFrom returns the identity set by the gateway, if any.
func IdentityFrom(c *gin.Context) (*Identity, bool) {
	v, ok := c.Get(ContextKeyIdentity)
	if !ok {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok && id != nil
}
