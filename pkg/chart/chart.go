// Package chart builds widget URLs and resolves caller timeframe codes
// against the configured timeframe table.
package chart

import (
	"net/url"
	"strings"

	"github.com/odvcencio/chartshot/pkg/config"
)

const frameElementID = "tradingview_capture"

// URLBuilder returns the navigable chart URL for a timeframe.
type URLBuilder interface {
	ChartURL(tf config.Timeframe) string
}

// WidgetURLs builds embed-widget URLs from chart configuration.
type WidgetURLs struct {
	cfg config.ChartConfig
}

// NewWidgetURLs returns a URLBuilder for cfg.
func NewWidgetURLs(cfg config.ChartConfig) *WidgetURLs {
	return &WidgetURLs{cfg: cfg}
}

// QualifiedSymbol returns EXCHANGE:SYMBOL, or SYMBOL without an exchange.
func QualifiedSymbol(cfg config.ChartConfig) string {
	if cfg.Exchange == "" {
		return cfg.Symbol
	}
	return cfg.Exchange + ":" + cfg.Symbol
}

// ChartURL implements URLBuilder.
func (w *WidgetURLs) ChartURL(tf config.Timeframe) string {
	symbol := QualifiedSymbol(w.cfg)
	params := [][2]string{
		{"frameElementId", frameElementID},
		{"symbol", symbol},
		{"interval", tf.Value},
		{"theme", w.cfg.Theme},
		{"style", "1"},
		{"locale", w.cfg.Locale},
		{"enable_publishing", "0"},
		{"allow_symbol_change", "0"},
		{"hide_side_toolbar", "0"},
		{"hide_top_toolbar", "0"},
		{"withdateranges", "1"},
		{"hide_volume", "0"},
		{"timezone", w.cfg.Timezone},
		{"utm_source", "localhost"},
		{"utm_medium", "widget_new"},
		{"utm_campaign", "chart"},
		{"utm_term", symbol},
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(w.cfg.WidgetURL, "?"))
	sb.WriteByte('?')
	for i, kv := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(kv[0]))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(kv[1]))
	}
	return sb.String()
}

// SelectTimeframes resolves requested codes against all. A nil request
// selects every configured timeframe in configuration order. Otherwise each
// requested entry matches a configured code case-insensitively or a raw value
// exactly; results follow request order, duplicates collapse to the first
// occurrence and unknown entries are dropped.
func SelectTimeframes(all []config.Timeframe, requested []string) []config.Timeframe {
	if requested == nil {
		out := make([]config.Timeframe, len(all))
		copy(out, all)
		return out
	}

	out := make([]config.Timeframe, 0, len(requested))
	taken := make(map[int]bool, len(requested))
	for _, req := range requested {
		req = strings.TrimSpace(req)
		if req == "" {
			continue
		}
		for i, tf := range all {
			if taken[i] {
				continue
			}
			if strings.EqualFold(req, tf.Code) || req == tf.Value {
				taken[i] = true
				out = append(out, tf)
				break
			}
		}
	}
	return out
}

// Codes lists the configured timeframe codes.
func Codes(all []config.Timeframe) []string {
	out := make([]string, len(all))
	for i, tf := range all {
		out[i] = tf.Code
	}
	return out
}
