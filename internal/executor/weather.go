package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "AgentMarket/internal/errors"
	"AgentMarket/internal/protocol"
)

// DefaultWeatherURL 是 wttr.in 兼容服务的默认地址。
const DefaultWeatherURL = "https://wttr.in"

// Weather 查询 wttr.in 的 JSON 接口并生成一行天气报告。
type Weather struct {
	baseURL string
	http    *http.Client
}

// NewWeather 创建天气执行器。
func NewWeather(baseURL string, timeout time.Duration) *Weather {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = DefaultWeatherURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Weather{baseURL: base, http: &http.Client{Timeout: timeout}}
}

// Task 实现 Executor。
func (w *Weather) Task() protocol.TaskType { return protocol.TaskGetWeather }

// Validate 要求 location。
func (w *Weather) Validate(payload map[string]any) error {
	return requireFields(payload, "location")
}

type wttrReport struct {
	CurrentCondition []struct {
		TempC         string `json:"temp_C"`
		Humidity      string `json:"humidity"`
		WindspeedKmph string `json:"windspeedKmph"`
		WeatherDesc   []struct {
			Value string `json:"value"`
		} `json:"weatherDesc"`
	} `json:"current_condition"`
}

// Execute 返回形如 "Weather in Paris: Sunny, temperature 21 celsius, humidity 40%, wind 9 km/h" 的报告。
func (w *Weather) Execute(ctx context.Context, payload map[string]any) (Result, error) {
	if err := w.Validate(payload); err != nil {
		return Result{}, err
	}
	location := stringField(payload, "location", "")
	endpoint := fmt.Sprintf("%s/%s?format=j1", w.baseURL, url.PathEscape(location))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, xerrors.Wrap(CodeExecutionFailed, err, "构造天气请求失败")
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return Result{}, xerrors.Wrap(CodeExecutionFailed, err, "请求天气服务失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, xerrors.New(CodeExecutionFailed, fmt.Sprintf("天气服务返回状态码 %d", resp.StatusCode))
	}
	var report wttrReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return Result{}, xerrors.Wrap(CodeExecutionFailed, err, "解析天气响应失败")
	}
	if len(report.CurrentCondition) == 0 {
		return Result{}, xerrors.New(CodeExecutionFailed, "天气服务未返回当前状况")
	}
	current := report.CurrentCondition[0]
	desc := "Unknown"
	if len(current.WeatherDesc) > 0 && strings.TrimSpace(current.WeatherDesc[0].Value) != "" {
		desc = strings.TrimSpace(current.WeatherDesc[0].Value)
	}
	output := fmt.Sprintf("Weather in %s: %s, temperature %s celsius, humidity %s%%, wind %s km/h",
		location, desc, current.TempC, current.Humidity, current.WindspeedKmph)
	return Result{
		OutputRef:      output,
		VerifierURL:    endpoint,
		VerifierParams: map[string]any{"location": location},
	}, nil
}

var _ Executor = (*Weather)(nil)
