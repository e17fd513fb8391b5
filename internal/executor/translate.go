package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/protocol"
	"AgentMarket/pkg/logger"
)

// TranslationVerifierURL 标记译文就在 output_ref 中，无需外部查询。
const TranslationVerifierURL = "libretranslate://result"

// TranslateConfig 描述 LibreTranslate 兼容服务。
type TranslateConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Translator 调用 LibreTranslate，失败时退回内置词典。
type Translator struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewTranslator 创建翻译执行器。BaseURL 为空时只使用词典。
func NewTranslator(cfg TranslateConfig) *Translator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Translator{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Task 实现 Executor。
func (t *Translator) Task() protocol.TaskType { return protocol.TaskTranslateText }

// Validate 要求 text。
func (t *Translator) Validate(payload map[string]any) error {
	return requireFields(payload, "text")
}

// Execute 翻译文本，译文直接作为 output_ref。
func (t *Translator) Execute(ctx context.Context, payload map[string]any) (Result, error) {
	if err := t.Validate(payload); err != nil {
		return Result{}, err
	}
	text := stringField(payload, "text", "")
	source := stringField(payload, "source_lang", "auto")
	target := stringField(payload, "target_lang", "en")

	output, err := t.remote(ctx, text, source, target)
	if err != nil {
		logger.Named("executor").Warn("在线翻译失败，使用词典兜底", slog.Any("error", err), slog.String("target_lang", target))
		output = dictionaryTranslate(text, target)
	}
	return Result{
		OutputRef:      output,
		VerifierURL:    TranslationVerifierURL,
		VerifierParams: map[string]any{"expected_lang": target},
	}, nil
}

type libreRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type libreResponse struct {
	TranslatedText string `json:"translatedText"`
	Error          string `json:"error"`
}

func (t *Translator) remote(ctx context.Context, text, source, target string) (string, error) {
	if t.baseURL == "" {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置翻译服务")
	}
	raw, err := json.Marshal(libreRequest{Q: text, Source: source, Target: target, Format: "text", APIKey: t.apiKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/translate", bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求翻译服务失败")
	}
	defer resp.Body.Close()

	var body libreResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析翻译响应失败")
	}
	if resp.StatusCode != http.StatusOK || body.Error != "" {
		return "", xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("翻译服务返回 %d: %s", resp.StatusCode, body.Error))
	}
	if strings.TrimSpace(body.TranslatedText) == "" {
		return "", xerrors.New(xerrors.CodeUpstreamFailure, "翻译服务返回空结果")
	}
	return fmt.Sprintf("Translated to %s: %s", target, body.TranslatedText), nil
}

type phrase struct{ from, to string }

var dictionary = map[string][]phrase{
	"es": {{"thank you", "gracias"}, {"hello", "hola"}, {"world", "mundo"}, {"good", "bueno"}, {"morning", "mañana"}, {"night", "noche"}, {"create", "crear"}, {"issue", "problema"}, {"test", "prueba"}},
	"fr": {{"thank you", "merci"}, {"hello", "bonjour"}, {"world", "monde"}, {"good", "bon"}, {"morning", "matin"}, {"night", "nuit"}, {"create", "créer"}, {"issue", "problème"}, {"test", "test"}},
	"de": {{"thank you", "danke"}, {"hello", "hallo"}, {"world", "welt"}, {"good", "gut"}, {"morning", "morgen"}, {"night", "nacht"}, {"create", "erstellen"}, {"issue", "problem"}, {"test", "test"}},
	"ja": {{"thank you", "ありがとう"}, {"hello", "こんにちは"}, {"world", "世界"}, {"good", "良い"}, {"morning", "朝"}, {"night", "夜"}, {"test", "テスト"}},
}

// dictionaryTranslate 逐词替换已知短语，保留原文的大小写形式。
func dictionaryTranslate(text, target string) string {
	for _, p := range dictionary[target] {
		text = strings.ReplaceAll(text, p.from, p.to)
		text = strings.ReplaceAll(text, capitalize(p.from), capitalize(p.to))
		text = strings.ReplaceAll(text, strings.ToUpper(p.from), strings.ToUpper(p.to))
	}
	return fmt.Sprintf("[Mock] Translated to %s: %s", target, text)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}

var _ Executor = (*Translator)(nil)
