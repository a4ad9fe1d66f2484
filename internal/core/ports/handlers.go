package ports

import "github.com/gin-gonic/gin"

// CallHTTPHandler exposes the local call session over the control API.
type CallHTTPHandler interface {
	GetState(c *gin.Context)
	ToggleMute(c *gin.Context)
	ToggleVideo(c *gin.Context)
	ToggleScreenShare(c *gin.Context)
	Leave(c *gin.Context)
}
