// Package handler orchestrates the per-query pipeline: classification,
// forwarding, response construction, and event emission.
package handler

import (
	"context"
	"net"
	"time"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jyuch/advoid/pkg/blocklist"
	"github.com/jyuch/advoid/pkg/decisioncache"
	"github.com/jyuch/advoid/pkg/dnsname"
	"github.com/jyuch/advoid/pkg/localzone"
	"github.com/jyuch/advoid/pkg/logging"
	"github.com/jyuch/advoid/pkg/respond"
	"github.com/jyuch/advoid/pkg/sink"
	"github.com/jyuch/advoid/pkg/upstream"
)

// Metrics is the subset of the telemetry package's instruments the handler
// touches on the request path.
type Metrics struct {
	RequestsTotal   metric.Int64Counter
	RequestsBlock   metric.Int64Counter
	RequestsForward metric.Int64Counter
}

// Handler is a dns.Handler implementation wiring together the blocklist,
// decision cache, local-zone gate, upstream client, and response builder.
type Handler struct {
	Blocklist        *blocklist.Set
	DecisionCache    *decisioncache.Cache
	Upstream         *upstream.Client
	Sink             sink.Sink
	Metrics          *Metrics
	Logger           *logging.Logger
	Tracer           trace.Tracer
	ForwardLocalZone bool // when true, disables the RFC 6303 gate (step 3)
}

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	ctx, span := h.Tracer.Start(context.Background(), "dns.request")
	defer span.End()

	if len(r.Question) == 0 {
		h.writeMsg(w, respond.FormErr(r.Id))
		return
	}

	q := r.Question[0]
	name := dnsname.Canon(q.Name)
	span.SetAttributes(attribute.String("dns.name", name), attribute.String("dns.type", dns.TypeToString[q.Qtype]))

	h.Metrics.RequestsTotal.Add(ctx, 1)

	reqID := h.emitRequestEvent(w, name, q)

	resp, outcome := h.classifyAndRespond(ctx, r, name, q.Qtype)

	h.emitResponseEvent(reqID, outcome, resp)
	span.SetAttributes(attribute.String("dns.outcome", string(outcome)), attribute.Int("dns.rcode", resp.Rcode))
	if outcome == sink.OutcomeError {
		span.SetStatus(codes.Error, "upstream failure")
	}

	h.writeMsg(w, resp)
}

// classifyAndRespond runs steps 3 through 6 of the pipeline: local-zone
// gate, blocklist gate, forward, and response construction.
func (h *Handler) classifyAndRespond(ctx context.Context, r *dns.Msg, name string, qtype uint16) (*dns.Msg, sink.Outcome) {
	if !h.ForwardLocalZone {
		if apex, ok := localzone.Apex(name); ok {
			switch {
			case qtype == dns.TypePTR:
				h.Metrics.RequestsBlock.Add(ctx, 1)
				return respond.NXDOMAIN(r, apex), sink.OutcomeBlocked

			case name == apex && (qtype == dns.TypeSOA || qtype == dns.TypeNS):
				h.Metrics.RequestsBlock.Add(ctx, 1)
				return respond.ApexRecord(r, apex, qtype), sink.OutcomeBlocked
			}
			// Non-PTR, non-apex queries under a reserved zone fall through
			// to the blocklist gate below.
		}
	}

	decision, zone := h.DecisionCache.Classify(name, h.Blocklist)
	if decision == decisioncache.Block {
		h.Metrics.RequestsBlock.Add(ctx, 1)
		return respond.NXDOMAIN(r, zone), sink.OutcomeBlocked
	}

	h.Metrics.RequestsForward.Add(ctx, 1)
	upstreamResp, err := h.Upstream.Forward(ctx, r)
	if err != nil {
		h.Logger.Warn("upstream forward failed", "name", name, "error", err)
		return respond.ServFail(r), sink.OutcomeError
	}
	return respond.Forwarded(r, upstreamResp), sink.OutcomeForwarded
}

func (h *Handler) emitRequestEvent(w dns.ResponseWriter, name string, q dns.Question) string {
	batching, ok := h.Sink.(*sink.BatchingSink)
	var id string
	if ok {
		id = batching.NextID()
	}
	h.Sink.SendRequest(sink.RequestEvent{
		ID:     id,
		Ts:     time.Now().UTC(),
		Client: clientAddr(w),
		Name:   name,
		Class:  q.Qclass,
		Type:   q.Qtype,
	})
	return id
}

func (h *Handler) emitResponseEvent(requestID string, outcome sink.Outcome, resp *dns.Msg) {
	batching, ok := h.Sink.(*sink.BatchingSink)
	var id string
	if ok {
		id = batching.NextID()
	}
	h.Sink.SendResponse(sink.ResponseEvent{
		ID:          id,
		RequestID:   requestID,
		Ts:          time.Now().UTC(),
		Outcome:     outcome,
		Rcode:       resp.Rcode,
		AnswerCount: len(resp.Answer),
	})
}

func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil {
		h.Logger.Warn("failed to write response to client", "error", err)
	}
}

func clientAddr(w dns.ResponseWriter) string {
	addr := w.RemoteAddr()
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
