// Package httpapi exposes the engine over HTTP. The routes are thin glue:
// they bind payloads, delegate to the engine and map the error taxonomy to
// status codes. Identity is taken from the X-Player-Id header; validating
// it is the authentication layer's job, not ours.
package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"blockpool/internal/audit"
	"blockpool/internal/errs"
	"blockpool/internal/game"
	"blockpool/internal/logger"
	"blockpool/internal/prize"
	"blockpool/internal/realtime"
	"blockpool/internal/settlement"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

// BlockReader lists the transaction ids of a mined block.
type BlockReader interface {
	BlockTransactionIDs(ctx context.Context, hash string) ([]string, error)
}

type Server struct {
	engine *game.Engine
	ledger *settlement.Ledger
	prizes *prize.Store
	trail  *audit.Trail
	hub    *realtime.Hub
	blocks BlockReader
	log    *logger.Logger
}

func NewServer(engine *game.Engine, ledger *settlement.Ledger, prizes *prize.Store, trail *audit.Trail, hub *realtime.Hub, blocks BlockReader, log *logger.Logger) *Server {
	return &Server{engine: engine, ledger: ledger, prizes: prizes, trail: trail, hub: hub, blocks: blocks, log: log}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/realtime", s.streamEvents)

	authed := r.Group("/", principalMiddleware())
	{
		authed.POST("/rounds", s.createRound)
		authed.GET("/rounds", s.listRounds)
		authed.GET("/rounds/:id", s.getRound)
		authed.POST("/rounds/:id/close", s.closeRound)
		authed.POST("/rounds/:id/result", s.computeResult)
		authed.POST("/rounds/:id/guesses", s.submitGuess)
		authed.GET("/rounds/:id/guesses", s.listGuesses)

		authed.GET("/prize", s.currentPrize)
		authed.PUT("/prize", s.savePrize)
		authed.GET("/prize/history", s.prizeHistory)

		authed.POST("/transfers", s.requestTransfer)
		authed.GET("/transfers/:id", s.getTransfer)
		authed.POST("/transfers/:id/success", s.markTransferSuccess)
		authed.POST("/transfers/:id/failed", s.markTransferFailed)

		authed.GET("/blocks/:hash/txids", s.blockTxIDs)

		authed.GET("/audit", s.listAudit)
	}
	return r
}

// principalMiddleware extracts the already-authenticated principal id.
func principalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		pid := c.GetHeader("X-Player-Id")
		if pid == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing X-Player-Id"})
			return
		}
		c.Set("principal", pid)
		c.Next()
	}
}

func principal(c *gin.Context) string { return c.GetString("principal") }

// writeError maps the error taxonomy to HTTP status codes. Operators need
// the specific kind ("round already closed" vs "no predictions yet"), so
// the kind is part of the body.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindUnauthorized:
		status = http.StatusForbidden
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindDuplicate, errs.KindInvalidState:
		status = http.StatusConflict
	case errs.KindNoParticipants:
		status = http.StatusUnprocessableEntity
	case errs.KindUpstream:
		status = http.StatusBadGateway
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": errs.KindOf(err).String()})
}

type createRoundReq struct {
	RoundNumber       int64                  `json:"round_number"`
	StartTime         int64                  `json:"start_time"`
	EndTime           int64                  `json:"end_time"`
	DurationMinutes   int64                  `json:"duration_minutes"`
	TargetBlockHeight int64                  `json:"target_block_height"`
	Metadata          map[string]interface{} `json:"metadata"`
}

func (s *Server) createRound(c *gin.Context) {
	var req createRoundReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	round, err := s.engine.CreateRound(c.Request.Context(), principal(c), game.CreateRoundParams{
		RoundNumber:       req.RoundNumber,
		StartTime:         req.StartTime,
		EndTime:           req.EndTime,
		DurationMinutes:   req.DurationMinutes,
		TargetBlockHeight: req.TargetBlockHeight,
		Metadata:          req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, round)
}

func (s *Server) listRounds(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	rounds, err := s.engine.ListRounds(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rounds)
}

func (s *Server) getRound(c *gin.Context) {
	round, err := s.engine.GetRound(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, round)
}

func (s *Server) closeRound(c *gin.Context) {
	round, err := s.engine.CloseRound(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, round)
}

func (s *Server) computeResult(c *gin.Context) {
	result, err := s.engine.ComputeResult(c.Request.Context(), principal(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"round":    result.Round,
		"winner":   result.Winner,
		"transfer": result.Transfer.Record,
	})
}

type submitGuessReq struct {
	Value       int64  `json:"value"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

func (s *Server) submitGuess(c *gin.Context) {
	var req submitGuessReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	guess, err := s.engine.SubmitGuess(c.Request.Context(), principal(c), c.Param("id"), req.Value, game.DisplayInfo{
		Name:      req.DisplayName,
		AvatarURL: req.AvatarURL,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, guess)
}

func (s *Server) listGuesses(c *gin.Context) {
	guesses, err := s.engine.ListGuesses(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, guesses)
}

func (s *Server) currentPrize(c *gin.Context) {
	cfg, err := s.prizes.Current(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) savePrize(c *gin.Context) {
	var payload prize.Payload
	if err := c.BindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	cfg, err := s.prizes.Save(c.Request.Context(), principal(c), payload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) prizeHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	history, err := s.prizes.History(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

type transferReq struct {
	WinnerID       string `json:"winner_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) requestTransfer(c *gin.Context) {
	var req transferReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return
	}
	result, err := s.ledger.RequestTransfer(c.Request.Context(), settlement.TransferRequest{
		WinnerID:       req.WinnerID,
		Amount:         amount,
		Currency:       req.Currency,
		RequestedBy:    principal(c),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if result.AlreadyProcessed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"transfer":          result.Record,
		"already_processed": result.AlreadyProcessed,
	})
}

func (s *Server) getTransfer(c *gin.Context) {
	record, err := s.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

type markSuccessReq struct {
	ExternalTxID string `json:"external_tx_id"`
}

func (s *Server) markTransferSuccess(c *gin.Context) {
	var req markSuccessReq
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad payload"})
		return
	}
	if err := s.ledger.MarkSuccess(c.Request.Context(), c.Param("id"), req.ExternalTxID); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (s *Server) markTransferFailed(c *gin.Context) {
	if err := s.ledger.MarkFailed(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "failed"})
}

// blockTxIDs lists the transaction ids of a settled round's block, for
// operators verifying a result against the chain.
func (s *Server) blockTxIDs(c *gin.Context) {
	hash := c.Param("hash")
	ids, err := s.blocks.BlockTransactionIDs(c.Request.Context(), hash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"block": hash, "txids": ids})
}

func (s *Server) listAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := s.trail.Recent(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

var upgrader = websocket.Upgrader{
	// Consumers are trusted dashboards; events are advisory reads.
	CheckOrigin: func(*http.Request) bool { return true },
}

// streamEvents bridges the in-process hub to websocket consumers. Each
// connection gets its own ordered subscription; a consumer that reconnects
// must reconcile with authoritative reads.
func (s *Server) streamEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Printf("httpapi: websocket upgrade: %v", err)
		return
	}
	sub := s.hub.Subscribe()
	defer func() {
		s.hub.Unsubscribe(sub)
		conn.Close()
	}()

	// Reader goroutine: drains control frames and unblocks on disconnect.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
