package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	xerrors "AgentMarket/internal/errors"
)

// HTTPFaucet 通过 HTTP 接口向测试网水龙头申请资金。
type HTTPFaucet struct {
	url    string
	client *http.Client
}

// NewHTTPFaucet 创建水龙头客户端，timeout 为单次请求超时。
func NewHTTPFaucet(url string, timeout time.Duration) *HTTPFaucet {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFaucet{url: strings.TrimSpace(url), client: &http.Client{Timeout: timeout}}
}

type faucetRequest struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// Request 实现 Faucet。
func (f *HTTPFaucet) Request(ctx context.Context, address string, amount *big.Int) error {
	if f.url == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置水龙头地址")
	}
	if amount == nil {
		amount = new(big.Int)
	}
	body, err := json.Marshal(faucetRequest{Address: address, Amount: amount.String()})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造水龙头请求失败")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求水龙头失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("水龙头返回 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
	}
	return nil
}

var _ Faucet = (*HTTPFaucet)(nil)
