package httpclient

import (
	"regexp"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/torosent/crankswarm/internal/config"
)

// ExtractAll applies every extractor to body. A value that cannot be found is
// stored as the empty string and logged.
func ExtractAll(body []byte, extractors []config.Extractor, logger *zap.Logger) map[string]string {
	result := make(map[string]string, len(extractors))
	for _, extractor := range extractors {
		var value string
		if extractor.JSONPath != "" {
			value = findJSONPath(body, extractor.JSONPath, logger)
		} else if extractor.Regex != "" {
			value = findRegex(body, extractor.Regex, logger)
		}
		result[extractor.Variable] = value
	}
	return result
}

// findJSONPath accepts "$.a.b", "a.b" and "$" for the whole document.
func findJSONPath(body []byte, path string, logger *zap.Logger) string {
	if len(path) > 0 && path[0] == '$' {
		if len(path) > 1 && path[1] == '.' {
			path = path[2:]
		} else if len(path) == 1 {
			path = "@this"
		}
	}

	result := gjson.GetBytes(body, path)
	if !result.Exists() {
		logger.Warn("json path not found", zap.String("path", path))
		return ""
	}
	return result.String()
}

// findRegex returns the first capture group, or the whole match when the
// pattern has none.
func findRegex(body []byte, pattern string, logger *zap.Logger) string {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		logger.Warn("invalid regex pattern", zap.String("pattern", pattern), zap.Error(err))
		return ""
	}

	match := regex.FindSubmatch(body)
	if match == nil {
		logger.Warn("regex pattern not found", zap.String("pattern", pattern))
		return ""
	}
	if len(match) > 1 {
		return string(match[1])
	}
	return string(match[0])
}
