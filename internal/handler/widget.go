package handler

import (
	"net/http"

	"github.com/GoPolymarket/apigate/internal/middleware"
	"github.com/GoPolymarket/apigate/internal/pkg/apperrors"
	"github.com/GoPolymarket/apigate/internal/service"
	"github.com/gin-gonic/gin"
)

type WidgetHandler struct {
	svc *service.WidgetService
}

func NewWidgetHandler(svc *service.WidgetService) *WidgetHandler {
	return &WidgetHandler{svc: svc}
}

type createWidgetBody struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

func (h *WidgetHandler) Create(c *gin.Context) {
	var body createWidgetBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(apperrors.New(apperrors.ErrInvalidRequest, "invalid widget payload", err))
		return
	}

	result, err := h.svc.CreateWidget(c.Request.Context(), service.CreateWidgetCommand{
		Name:         body.Name,
		Description:  body.Description,
		CallerSystem: middleware.CallerSystem(c),
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (h *WidgetHandler) Get(c *gin.Context) {
	result, err := h.svc.GetWidget(c.Request.Context(), c.Param("id"), middleware.CallerSystem(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *WidgetHandler) Ping(c *gin.Context) {
	result, err := h.svc.Ping(c.Request.Context(), middleware.CallerSystem(c))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}
