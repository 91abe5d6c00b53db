package serve

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler owns the HTTP boundary. The inner service may be nil when the
// model failed to load at startup; the handler then reports degraded
// health and refuses predictions without crashing the process.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (h *Handler) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/health", h.health)
	api := r.Group("/api/v1")
	api.POST("/predict", h.predict)
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)

		start := time.Now()
		c.Next()
		h.logger.Info("request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).Round(time.Microsecond))
	}
}

func (h *Handler) health(c *gin.Context) {
	if h.svc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":       "degraded",
			"model_loaded": false,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "ok",
		"model_loaded": true,
		"classes":      h.svc.Classes(),
	})
}

func (h *Handler) predict(c *gin.Context) {
	if h.svc == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "model not loaded"})
		return
	}

	k := 0
	if raw := c.PostForm("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "k must be an integer"})
			return
		}
		k = parsed
	}

	file, _, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing image upload"})
		return
	}
	defer file.Close()

	predictions, err := h.svc.Predict(file, k)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"predictions": predictions})
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var validationErr *ValidationInputError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": validationErr.Error()})
		return
	}

	requestID, _ := c.Get("request_id")
	h.logger.Error("prediction failed",
		"request_id", requestID,
		"error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
}
