package weft

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricWeftSessionEstCount       = []string{"weft", "session", "established", "count"}
	MetricWeftSessionClosedCount    = []string{"weft", "session", "closed", "count"}
	MetricWeftSessionDialErrorCount = []string{"weft", "session", "dial", "error", "count"}
	MetricWeftCallStartedCount      = []string{"weft", "call", "started", "count"}
	MetricWeftCallResolvedCount     = []string{"weft", "call", "resolved", "count"}
	MetricWeftCallLateReplyCount    = []string{"weft", "call", "late", "reply", "count"}
	MetricWeftInboundRequestCount   = []string{"weft", "inbound", "request", "count"}
	MetricWeftInboundErrorCount     = []string{"weft", "inbound", "error", "count"}
	MetricWeftFrameMalformedCount   = []string{"weft", "frame", "malformed", "count"}
	MetricWeftUDPBufferSizeBytes    = []string{"weft", "udp", "buffer", "size", "bytes"}
)

type TelemetryLabel string

var (
	LabelError        TelemetryLabel = "error"
	LabelPeerAddr     TelemetryLabel = "peer_addr"
	LabelPeerIdentity TelemetryLabel = "peer_identity"
	LabelService      TelemetryLabel = "service"
	LabelOutcome      TelemetryLabel = "outcome"
	LabelStreamID     TelemetryLabel = "stream_id"
	LabelCorrID       TelemetryLabel = "corr_id"
	LabelDuration     TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
