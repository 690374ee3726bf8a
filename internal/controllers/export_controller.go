package controllers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tripwatch/internal/config"
	"tripwatch/internal/logger"
	"tripwatch/internal/models"
	"tripwatch/internal/offender"
	"tripwatch/internal/store"
)

// ExportTrips runs the offender aggregation and export for the
// authenticated manager over a [ended_after, ended_before) range.
func ExportTrips(c *gin.Context) {
	endedAfter, err := time.Parse(models.WhenLayout, c.Query("ended_after"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ended_after: " + err.Error()})
		return
	}
	endedBefore, err := time.Parse(models.WhenLayout, c.Query("ended_before"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ended_before: " + err.Error()})
		return
	}
	if !endedAfter.Before(endedBefore) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ended_after must precede ended_before"})
		return
	}

	user := c.MustGet("user").(string)

	processor := offender.Processor{
		DB:  config.DB,
		Pub: &offender.TripPublisher{Broker: config.Broker, Topic: config.C.ExportTopic},
		Log: logger.Component("export"),
		Now: time.Now,
	}

	report, err := processor.Export(c.Request.Context(), user, endedAfter.UTC(), endedBefore.UTC())
	switch {
	case errors.Is(err, offender.ErrUnmarkedTrips):
		c.JSON(http.StatusConflict, gin.H{"error": "Not all trips in the window have been checked yet"})
		return
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Export conflicted with a concurrent change, nothing was applied"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Export failed: " + err.Error()})
		return
	}

	if report.Exported == 0 {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, report)
}
