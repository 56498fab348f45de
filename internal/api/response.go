package api

import (
	"errors"
	"net/http"

	"storefront-service/internal/gateway"
	"storefront-service/internal/service"
	"storefront-service/internal/store"
	"storefront-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func respond(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, response{Success: true, Message: message, Data: data})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, response{Success: false, Message: message})
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, response{Success: false, Message: message})
}

// writeError maps service errors onto HTTP statuses. Unclassified errors are
// logged and hidden behind a generic message, gateway errors keep theirs.
func writeError(c *gin.Context, err error) {
	var gwErr *gateway.GatewayError

	switch {
	case errors.Is(err, service.ErrNotFound):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrUnauthorized):
		fail(c, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrInsufficientStock),
		errors.Is(err, service.ErrInvalidState):
		fail(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrStockViolation):
		fail(c, http.StatusBadRequest, service.ErrInsufficientStock.Error())
	case errors.As(err, &gwErr):
		fail(c, http.StatusInternalServerError, err.Error())
	default:
		util.Named("api").Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		fail(c, http.StatusInternalServerError, "Internal server error")
	}
}

// callbackResponse is the plain-text contract of the payment callback
func callbackResponse(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, "OK"
	case errors.Is(err, service.ErrInvalidSignature):
		return http.StatusBadRequest, "Invalid signature"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "Order not found"
	default:
		util.Named("api").Error("Payment callback failed", zap.Error(err))
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

func bindMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if fe.Field() == "Items" {
				return "No order items provided"
			}
		}
		return "Invalid order items"
	}
	return "Invalid request body"
}
