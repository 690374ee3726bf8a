package controllers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tripwatch/internal/config"
	"tripwatch/internal/ingest"
	"tripwatch/internal/pubsub"
	"tripwatch/internal/store"
)

// PushDrivers accepts a lease-car feed push envelope and merges it into the
// driver catalog.
func PushDrivers(c *gin.Context) {
	handlePush(c, ingest.UpdateDrivers)
}

// PushDepartments accepts an organigram push envelope and merges it into
// the department catalog.
func PushDepartments(c *gin.Context) {
	handlePush(c, ingest.UpdateDepartments)
}

func handlePush(c *gin.Context, update func(*store.BlobStore, []byte) (int, error)) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unreadable body"})
		return
	}
	subscription, payload, err := pubsub.DecodePush(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logrus.Infof("message received from %s", subscription)

	if _, err := update(config.Blobs, payload); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process message: " + err.Error()})
		return
	}

	// 204: delivery successful, no further actions needed
	c.Status(http.StatusNoContent)
}
