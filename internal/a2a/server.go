package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"HashBot-Chain/internal/task"
	"HashBot-Chain/pkg/logger"
)

// Server 暴露 JSON-RPC 接口, 供对端智能体驱动任务。
type Server struct {
	addr    string
	manager *task.Manager
	card    *AgentCard
	log     *slog.Logger
}

// NewServer 构造服务实例。card 可以为 nil, 此时不提供名片端点。
func NewServer(addr string, manager *task.Manager, card *AgentCard) *Server {
	return &Server{
		addr:    addr,
		manager: manager,
		card:    card,
		log:     logger.Named("a2a"),
	}
}

// Start 启动 HTTP 服务, 直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.Info("a2a 服务已启动", slog.String("addr", s.addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回路由, 便于测试直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRPC)
	if s.card != nil {
		mux.HandleFunc("/.well-known/agent.json", s.handleAgentCard)
	}
	return mux
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.card)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.manager == nil {
		http.Error(w, "任务管理器未初始化", http.StatusServiceUnavailable)
		return
	}

	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResponse(w, response{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "请求体解析失败"},
		})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeResponse(w, response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: codeInvalidRequest, Message: "非法的 JSON-RPC 请求"},
		})
		return
	}

	resp := response{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "tasks/send":
		resp.Result, resp.Error = s.handleSend(r.Context(), req.Params)
	case "tasks/get":
		resp.Result, resp.Error = s.handleGet(r.Context(), req.Params)
	case "tasks/cancel":
		resp.Result, resp.Error = s.handleCancel(r.Context(), req.Params)
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "方法不存在"}
	}
	writeResponse(w, resp)
}

func (s *Server) handleSend(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p sendParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tasks/send 参数解析失败"}
	}
	if len(p.Message.Parts) == 0 {
		return nil, &rpcError{Code: codeInvalidParams, Message: "消息不能为空"}
	}
	result, err := s.manager.Send(ctx, task.SendRequest{
		TaskID:    p.taskID(),
		SessionID: p.SessionID,
		SkillID:   p.skillID(),
		Message:   p.Message,
	})
	if err != nil {
		rpcErr := errorOf(err)
		// 任务状态已经推进时, 把最新投影一并带回。
		if result != nil {
			data, _ := rpcErr.Data.(map[string]any)
			if data == nil {
				data = map[string]any{}
			}
			data["task"] = viewOf(result)
			rpcErr.Data = data
		}
		return nil, rpcErr
	}
	return viewOf(result), nil
}

func (s *Server) handleGet(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p taskParams
	if err := json.Unmarshal(params, &p); err != nil || p.taskID() == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tasks/get 需要任务 ID"}
	}
	result, err := s.manager.Get(ctx, p.taskID())
	if err != nil {
		return nil, errorOf(err)
	}
	return viewOf(result), nil
}

func (s *Server) handleCancel(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p taskParams
	if err := json.Unmarshal(params, &p); err != nil || p.taskID() == "" {
		return nil, &rpcError{Code: codeInvalidParams, Message: "tasks/cancel 需要任务 ID"}
	}
	result, err := s.manager.Cancel(ctx, p.taskID())
	if err != nil {
		return nil, errorOf(err)
	}
	return viewOf(result), nil
}

func writeResponse(w http.ResponseWriter, resp response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
