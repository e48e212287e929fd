package watcher

import (
	"fmt"
	"strings"

	"github.com/weavink/embedgate/internal/config"
)

// buildConfigChangeDetails lists material field-level differences between
// two configurations for debug logging. API keys are reported by count only.
func buildConfigChangeDetails(oldCfg, newCfg *config.Config) []string {
	var details []string

	if oldCfg.Debug != newCfg.Debug {
		details = append(details, fmt.Sprintf("debug: %t -> %t", oldCfg.Debug, newCfg.Debug))
	}
	if oldCfg.LoggingToFile != newCfg.LoggingToFile {
		details = append(details, fmt.Sprintf("logging-to-file: %t -> %t", oldCfg.LoggingToFile, newCfg.LoggingToFile))
	}
	if len(oldCfg.APIKeys) != len(newCfg.APIKeys) {
		details = append(details, fmt.Sprintf("api-keys: %d -> %d keys", len(oldCfg.APIKeys), len(newCfg.APIKeys)))
	}
	if oldCfg.DefaultMethod != newCfg.DefaultMethod {
		details = append(details, fmt.Sprintf("default-method: %s -> %s", oldCfg.DefaultMethod, newCfg.DefaultMethod))
	}
	if oldCfg.DefaultModel != newCfg.DefaultModel {
		details = append(details, fmt.Sprintf("default-model: %s -> %s", oldCfg.DefaultModel, newCfg.DefaultModel))
	}
	if oldCfg.Runtimes.FastEmbedURL != newCfg.Runtimes.FastEmbedURL {
		details = append(details, fmt.Sprintf("fastembed-url: %s -> %s", oldCfg.Runtimes.FastEmbedURL, newCfg.Runtimes.FastEmbedURL))
	}
	if oldCfg.Runtimes.SentenceTransformersURL != newCfg.Runtimes.SentenceTransformersURL {
		details = append(details, fmt.Sprintf("sentence-transformers-url: %s -> %s", oldCfg.Runtimes.SentenceTransformersURL, newCfg.Runtimes.SentenceTransformersURL))
	}
	if oldCfg.LoadTimeoutSecs != newCfg.LoadTimeoutSecs {
		details = append(details, fmt.Sprintf("load-timeout-secs: %d -> %d", oldCfg.LoadTimeoutSecs, newCfg.LoadTimeoutSecs))
	}
	if oldCfg.InferenceTimeoutSecs != newCfg.InferenceTimeoutSecs {
		details = append(details, fmt.Sprintf("inference-timeout-secs: %d -> %d", oldCfg.InferenceTimeoutSecs, newCfg.InferenceTimeoutSecs))
	}
	if oldCfg.UsageStatisticsEnabled != newCfg.UsageStatisticsEnabled {
		details = append(details, fmt.Sprintf("usage-statistics-enabled: %t -> %t", oldCfg.UsageStatisticsEnabled, newCfg.UsageStatisticsEnabled))
	}
	if preloadSignature(oldCfg.Preload) != preloadSignature(newCfg.Preload) {
		details = append(details, fmt.Sprintf("preload: %d -> %d entries", len(oldCfg.Preload), len(newCfg.Preload)))
	}

	return details
}

func preloadSignature(entries []config.PreloadEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		parts = append(parts, e.Method+":"+e.Model)
	}
	return strings.Join(parts, ",")
}
