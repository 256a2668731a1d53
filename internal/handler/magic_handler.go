package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/hitoshi/authflow/internal/magiclink"
	"github.com/hitoshi/authflow/internal/middleware"
	"github.com/hitoshi/authflow/internal/model"
)

// 発行エンドポイントのレスポンスメッセージ。
const (
	checkEmailMessage     = "check email"
	invalidInputMessage   = "Invalid input"
	invalidRequestMessage = "Invalid request"
)

// maxIssueBodyBytes は発行リクエストの本文サイズ上限。
const maxIssueBodyBytes = 16 << 10

// MagicLinkService はマジックリンクハンドラーが必要とするサービスインターフェース。
type MagicLinkService interface {
	Issue(ctx context.Context, in magiclink.IssueInput) (magiclink.Outcome, error)
	Redeem(ctx context.Context, token string) (*model.Session, error)
}

// ResponsePadder は応答時間を揃えるインターフェース。auth.Padderが実装する。
type ResponsePadder interface {
	Pad(ctx context.Context, start time.Time)
}

// MagicHandlerConfig はマジックリンクハンドラーの設定。
type MagicHandlerConfig struct {
	HomePath        string // 認証成功後とトークン欠落時のリダイレクト先
	SignInErrorPath string // 無効・期限切れリンクのリダイレクト先
	TrustProxy      bool   // X-Forwarded-ForをクライアントIPとして信頼する
}

// MagicHandler はマジックリンクの発行と利用のHTTPハンドラー。
type MagicHandler struct {
	service  MagicLinkService
	sessions SessionService
	padder   ResponsePadder
	config   MagicHandlerConfig
}

// NewMagicHandler はMagicHandlerを生成する。
func NewMagicHandler(service MagicLinkService, sessions SessionService, padder ResponsePadder, config MagicHandlerConfig) *MagicHandler {
	if config.HomePath == "" {
		config.HomePath = "/"
	}
	if config.SignInErrorPath == "" {
		config.SignInErrorPath = "/signin/error"
	}
	return &MagicHandler{
		service:  service,
		sessions: sessions,
		padder:   padder,
		config:   config,
	}
}

// issueRequest は発行リクエストの本文。フォームとJSONの両方を受け付ける。
type issueRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	AuthIntent string `json:"authIntent"`
}

// IssueErrors はフィールドごとのエラー。
type IssueErrors struct {
	Name       string `json:"name,omitempty"`
	Email      string `json:"email,omitempty"`
	AuthIntent string `json:"authIntent,omitempty"`
	Limited    string `json:"limited,omitempty"`
}

// IssueResponse は発行エンドポイントのレスポンス。
type IssueResponse struct {
	Message string      `json:"message"`
	Email   string      `json:"email"`
	Errors  IssueErrors `json:"errors"`
}

// Issue はマジックリンクを発行する。
// POST /auth/magic
//
// 送信済みと何もしなかった場合は同じ応答を返し、応答までの総時間を揃える。
// メール送信失敗は揃えずに500を返す。
func (h *MagicHandler) Issue(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, err := decodeIssueRequest(w, r)
	if err != nil {
		writeIssueResponse(w, http.StatusBadRequest, IssueResponse{Message: invalidInputMessage})
		return
	}

	_, err = h.service.Issue(r.Context(), magiclink.IssueInput{
		Name:     req.Name,
		Email:    req.Email,
		Intent:   req.AuthIntent,
		ClientIP: middleware.ClientIP(r, h.config.TrustProxy),
	})
	switch {
	case err == nil:
		h.padder.Pad(r.Context(), start)
		writeIssueResponse(w, http.StatusOK, IssueResponse{Message: checkEmailMessage, Email: req.Email})
	case errors.Is(err, magiclink.ErrInvalidEmail):
		writeIssueResponse(w, http.StatusBadRequest, IssueResponse{
			Message: invalidInputMessage,
			Errors:  IssueErrors{Email: "Invalid email"},
		})
	case errors.Is(err, model.ErrInvalidIntent):
		writeIssueResponse(w, http.StatusBadRequest, IssueResponse{
			Message: invalidInputMessage,
			Errors:  IssueErrors{AuthIntent: "Invalid enum value. Expected 'signin' | 'signup'"},
		})
	case errors.Is(err, model.ErrNameRequired):
		writeIssueResponse(w, http.StatusBadRequest, IssueResponse{
			Message: invalidRequestMessage,
			Errors:  IssueErrors{Name: "name is required"},
		})
	case errors.Is(err, model.ErrRateLimited):
		writeIssueResponse(w, http.StatusTooManyRequests, IssueResponse{
			Message: invalidRequestMessage,
			Errors:  IssueErrors{Limited: model.RateLimitedMessage},
		})
	default:
		if !errors.Is(err, model.ErrEmailDelivery) {
			slog.Error("failed to issue magic link", slog.String("error", err.Error()))
		}
		writeIssueResponse(w, http.StatusInternalServerError, IssueResponse{
			Email:  req.Email,
			Errors: IssueErrors{Email: model.GenericFailureMessage},
		})
	}
}

func decodeIssueRequest(w http.ResponseWriter, r *http.Request) (*issueRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIssueBodyBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req issueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	if err := r.ParseForm(); err != nil {
		return nil, err
	}
	return &issueRequest{
		Name:       r.PostFormValue("name"),
		Email:      r.PostFormValue("email"),
		AuthIntent: r.PostFormValue("authIntent"),
	}, nil
}

func writeIssueResponse(w http.ResponseWriter, status int, resp IssueResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// Redeem はマジックリンクのトークンを消費してセッションを発行する。
// GET /api/magic?token=
//
// トークンがない場合はホームへ、無効・期限切れ・処理失敗の場合はエラーページへリダイレクトする。
func (h *MagicHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	tok := r.URL.Query().Get("token")
	if tok == "" {
		http.Redirect(w, r, h.config.HomePath, http.StatusFound)
		return
	}

	session, err := h.service.Redeem(r.Context(), tok)
	if err != nil {
		slog.Error("failed to redeem magic link", slog.String("error", err.Error()))
		http.Redirect(w, r, h.config.SignInErrorPath, http.StatusFound)
		return
	}
	if session == nil {
		http.Redirect(w, r, h.config.SignInErrorPath, http.StatusFound)
		return
	}

	http.SetCookie(w, h.sessions.Cookie(session))
	http.Redirect(w, r, h.config.HomePath, http.StatusFound)
}
