package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/siliconchat/internal/chat"
	"github.com/siliconchat/pkg/models"
)

func errorJSON(c echo.Context, status int, msg string) error {
	return c.JSON(status, models.ErrorResponse{Error: msg})
}

// requestContext carries the echo request id into the chat service.
func requestContext(c echo.Context) context.Context {
	ctx := c.Request().Context()
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		ctx = chat.WithRequestID(ctx, id)
	}
	return ctx
}

func (s *Server) handleMessage(c echo.Context) error {
	var ev models.MessageEvent
	if err := c.Bind(&ev); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if ev.Platform == "" || ev.ChannelID == "" {
		return errorJSON(c, http.StatusBadRequest, "platform and channelId are required")
	}

	if err := s.chat.HandleMessage(requestContext(c), ev); err != nil {
		log.Error().Err(err).Str("channel_id", ev.ChannelID).Msg("failed to collect message")
		return errorJSON(c, http.StatusInternalServerError, "failed to collect message")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handlePoke(c echo.Context) error {
	var ev models.PokeEvent
	if err := c.Bind(&ev); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if ev.Platform == "" || ev.SourceUserID == "" || ev.TargetUserID == "" {
		return errorJSON(c, http.StatusBadRequest, "platform, sourceUserId and targetUserId are required")
	}

	reply, err := s.chat.Poke(requestContext(c), ev)
	if err != nil {
		return errorJSON(c, http.StatusBadGateway, "failed to answer poke")
	}
	if reply == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, reply)
}

// bindCommand decodes a command request. A non-empty problem is the reason
// the request was rejected.
func bindCommand(c echo.Context, needText bool) (req models.CommandRequest, problem string) {
	if err := c.Bind(&req); err != nil {
		return req, "invalid request body"
	}
	if req.Platform == "" || req.ChannelID == "" || req.UserID == "" {
		return req, "platform, channelId and userId are required"
	}
	if needText && strings.TrimSpace(req.Text) == "" {
		return req, "text is required"
	}
	if req.DisplayName == "" {
		req.DisplayName = req.UserID
	}
	return req, ""
}

type commandFunc func(context.Context, models.CommandRequest) (models.Reply, error)

func (s *Server) runCommand(c echo.Context, needText bool, fn commandFunc) error {
	req, problem := bindCommand(c, needText)
	if problem != "" {
		return errorJSON(c, http.StatusBadRequest, problem)
	}

	reply, err := fn(requestContext(c), req)
	if err != nil {
		log.Error().Err(err).Str("channel_id", req.ChannelID).Msg("command failed")
		return errorJSON(c, http.StatusInternalServerError, "command failed")
	}
	return c.JSON(http.StatusOK, reply)
}

func (s *Server) handleChat(c echo.Context) error {
	return s.runCommand(c, true, s.chat.Chat)
}

func (s *Server) handleChatNoHistory(c echo.Context) error {
	return s.runCommand(c, true, s.chat.ChatNoHistory)
}

func (s *Server) handleClear(c echo.Context) error {
	return s.runCommand(c, false, s.chat.Clear)
}

func (s *Server) handleModels(c echo.Context) error {
	list, err := s.chat.Models(requestContext(c))
	if err != nil {
		log.Error().Err(err).Msg("failed to list models")
		return errorJSON(c, http.StatusBadGateway, "failed to list models")
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": list})
}

func (s *Server) getQuota(c echo.Context) error {
	rec, err := s.ledger.Get(c.Request().Context(), c.Param("userId"))
	if err != nil {
		log.Error().Err(err).Msg("failed to load quota")
		return errorJSON(c, http.StatusInternalServerError, "failed to load quota")
	}
	return c.JSON(http.StatusOK, models.QuotaRecord{
		UserID:     rec.UserID,
		UsedTokens: rec.UsedTokens,
		MaxTokens:  rec.MaxTokens,
		Remaining:  rec.Remaining(),
	})
}

func (s *Server) setQuota(c echo.Context) error {
	var req models.SetQuotaRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid request body")
	}
	if req.MaxTokens <= 0 {
		return errorJSON(c, http.StatusBadRequest, "maxTokens must be positive")
	}

	rec, err := s.ledger.SetLimit(c.Request().Context(), c.Param("userId"), req.MaxTokens)
	if err != nil {
		log.Error().Err(err).Msg("failed to set quota")
		return errorJSON(c, http.StatusInternalServerError, "failed to set quota")
	}
	return c.JSON(http.StatusOK, models.QuotaRecord{
		UserID:     rec.UserID,
		UsedTokens: rec.UsedTokens,
		MaxTokens:  rec.MaxTokens,
		Remaining:  rec.Remaining(),
	})
}

func (s *Server) getAffection(c echo.Context) error {
	userID := c.Param("userId")
	level, err := s.tracker.Level(c.Request().Context(), userID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load affection")
		return errorJSON(c, http.StatusInternalServerError, "failed to load affection")
	}
	return c.JSON(http.StatusOK, models.AffectionRecord{UserID: userID, Level: level})
}
