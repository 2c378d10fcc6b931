// internal/handler/board_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"growdash-agent/internal/model"
	"growdash-agent/internal/service"
	"growdash-agent/internal/utils"
)

// BoardHandler handles board registry requests
type BoardHandler struct {
	boardService *service.BoardService
	logger       *utils.ServiceLogger
}

// NewBoardHandler creates a new board handler
func NewBoardHandler(boardService *service.BoardService, logger *zap.Logger) *BoardHandler {
	return &BoardHandler{
		boardService: boardService,
		logger:       utils.NewServiceLogger(logger, "board-handler"),
	}
}

// ListBoards lists registry entries
// @Summary List boards
// @Tags Boards
// @Produce json
// @Param kind query string false "Entry kind" Enums(serial, camera)
// @Param board_type query string false "Filter by board type"
// @Success 200 {object} utils.APIResponse{data=object{boards=[]service.BoardEntry,count=int}}
// @Router /boards [get]
func (h *BoardHandler) ListBoards(c *gin.Context) {
	var filter service.BoardFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid query parameters", err)
		return
	}

	boards := h.boardService.ListBoards(&filter)

	utils.SuccessResponse(c, http.StatusOK, "Boards retrieved successfully", gin.H{
		"boards": boards,
		"count":  len(boards),
	})
}

// DefaultPort returns the port a single-board setup should use
// @Summary Default port
// @Tags Boards
// @Produce json
// @Param board_type query string false "Restrict to a board type"
// @Success 200 {object} utils.APIResponse{data=service.PortResult}
// @Failure 404 {object} utils.APIResponse "No matching board"
// @Router /boards/default-port [get]
func (h *BoardHandler) DefaultPort(c *gin.Context) {
	port, err := h.boardService.DefaultPort(model.BoardType(c.Query("board_type")))
	if err != nil {
		respondError(c, "No matching board", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Default port resolved", port)
}

// Refresh rescans and reclassifies attached boards
// @Summary Refresh registry
// @Tags Boards
// @Produce json
// @Param mode query string false "Refresh mode" Enums(sync, async) default(sync)
// @Success 200 {object} utils.APIResponse{data=service.RefreshResult}
// @Success 202 {object} utils.APIResponse{data=service.RefreshResult}
// @Router /boards/refresh [post]
func (h *BoardHandler) Refresh(c *gin.Context) {
	result, err := h.boardService.Refresh(c.Request.Context(), c.Query("mode"))
	if err != nil {
		h.logger.Error("Registry refresh failed", zap.Error(err))
		respondError(c, "Registry refresh failed", err)
		return
	}

	if result.Scheduled {
		utils.SuccessResponse(c, http.StatusAccepted, "Registry refresh scheduled", result)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Registry refreshed", result)
}

// Cleanup removes entries not seen within max_age
// @Summary Cleanup registry
// @Tags Boards
// @Produce json
// @Param max_age query string false "Go duration, defaults to registry.cleanup_age"
// @Success 200 {object} utils.APIResponse{data=service.CleanupResult}
// @Router /boards/cleanup [post]
func (h *BoardHandler) Cleanup(c *gin.Context) {
	result, err := h.boardService.Cleanup(c.Query("max_age"))
	if err != nil {
		respondError(c, "Registry cleanup failed", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Registry cleaned", result)
}
