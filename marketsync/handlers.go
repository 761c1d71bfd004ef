package marketsync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sellerdesk/marketbot_backend/models"
	"gorm.io/gorm"
)

// StatusHandler is the on-demand status surface: cabinet identity, last sync
// stamp, and the recent audit rows.
func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cabinetId, err := resolveCabinetId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cabinet id"})
			return
		}

		ctx := c.Request.Context()
		cabinet, err := models.GetCabinetById(ctx, cabinetId)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "cabinet not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		logs, err := models.RecentSyncLogs(ctx, cabinetId, 20)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := CabinetStatusResponse{
			CabinetId:  cabinet.ID,
			Name:       cabinet.Name,
			IsActive:   cabinet.IsActive == nil || *cabinet.IsActive,
			LastSyncAt: formatTime(cabinet.LastSyncAt),
			SyncLogs:   make([]SyncLogResponse, 0, len(logs)),
		}
		for _, row := range logs {
			resp.SyncLogs = append(resp.SyncLogs, SyncLogResponse{
				ID:         row.ID,
				Category:   string(row.Category),
				Status:     row.Status,
				Processed:  row.Processed,
				Created:    row.Created,
				Updated:    row.Updated,
				Errors:     row.Errors,
				StartedAt:  row.StartedAt.UTC().Format(time.RFC3339),
				FinishedAt: formatTime(row.FinishedAt),
			})
		}
		c.JSON(http.StatusOK, resp)
	}
}

// TriggerSyncHandler queues a manual cycle through pub/sub. When pub/sub is
// not configured the cycle runs inline on this instance instead of failing
// the request.
func TriggerSyncHandler(scheduler *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		cabinetId, err := resolveCabinetId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cabinet id"})
			return
		}

		ctx := c.Request.Context()
		if _, err := models.GetCabinetById(ctx, cabinetId); errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "cabinet not found"})
			return
		} else if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if err := PublishSyncCycle(ctx, cabinetId, models.SyncTriggeredManual); err != nil {
			if serr := scheduler.SyncCabinet(ctx, cabinetId, models.SyncTriggeredManual); serr != nil {
				if errors.Is(serr, ErrSyncInFlight) {
					c.JSON(http.StatusConflict, gin.H{"error": "sync already in flight"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": serr.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "completed"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
	}
}

func CreateCabinetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewCabinet
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "name, api_token and user_id are required"})
			return
		}
		input.Name = strings.TrimSpace(input.Name)
		input.ApiToken = strings.TrimSpace(input.ApiToken)

		ctx := c.Request.Context()
		if _, err := models.EnsureUser(ctx, input.UserId, ""); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		cabinet, err := models.CreateCabinet(ctx, &input)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"cabinetId": cabinet.ID,
			"publicId":  cabinet.PublicId,
			"name":      cabinet.Name,
		})
	}
}

// ListProductsHandler serves the cached product reference for a cabinet.
func ListProductsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		cabinetId, err := resolveCabinetId(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cabinet id"})
			return
		}
		products, err := models.ListProducts(c.Request.Context(), cabinetId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"products": products})
	}
}

func GetNotificationSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, err := strconv.ParseInt(c.Param("userId"), 10, 64)
		if err != nil || userId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		settings, err := models.GetNotificationSettings(c.Request.Context(), userId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, settings)
	}
}

func UpdateNotificationSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userId, err := strconv.ParseInt(c.Param("userId"), 10, 64)
		if err != nil || userId == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}

		var settings models.NotificationSettings
		if err := c.ShouldBindJSON(&settings); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		settings.UserId = userId

		if err := models.UpsertNotificationSettings(c.Request.Context(), &settings); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, settings)
	}
}

func resolveCabinetId(c *gin.Context) (uint, error) {
	raw := strings.TrimSpace(c.Param("cabinetId"))
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid cabinet id")
	}
	return uint(id), nil
}
