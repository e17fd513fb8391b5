package verifier

import (
	"context"
	"strings"
)

const minTranslationLength = 5

var weatherKeywords = []string{
	"temperature", "weather", "celsius", "fahrenheit",
	"sunny", "cloudy", "rain", "wind", "humidity",
}

// TranslationChecker 要求译文非空且长度不少于 5 个字符。
func TranslationChecker() Checker {
	return CheckerFunc(func(_ context.Context, req Request) (bool, string, error) {
		output := strings.TrimSpace(req.Receipt.OutputRef)
		if output == "" {
			return false, "Translation output is empty", nil
		}
		if len(req.Receipt.OutputRef) < minTranslationLength {
			return false, "Translation output too short", nil
		}
		return true, "Translation verification passed. Output: " + preview(output), nil
	})
}

// WeatherChecker 要求输出包含天气相关关键词。
func WeatherChecker() Checker {
	return CheckerFunc(func(_ context.Context, req Request) (bool, string, error) {
		output := req.Receipt.OutputRef
		if output == "" {
			return false, "Weather output is empty", nil
		}
		lower := strings.ToLower(output)
		for _, keyword := range weatherKeywords {
			if strings.Contains(lower, keyword) {
				return true, "Weather verification passed. Data: " + preview(output), nil
			}
		}
		return false, "Output doesn't contain weather-related information", nil
	})
}

func preview(s string) string {
	const limit = 100
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
