package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pharmasentinel/internal/config"
	"pharmasentinel/internal/domain"
	"pharmasentinel/internal/ports"
	"pharmasentinel/internal/runlog"
)

// OrderResolver turns order requests into supplier-matched purchase plans
// and records each placed order as an alert. It does not talk to any real
// procurement system; the alert is the order of record.
type OrderResolver struct {
	store     ports.Store
	caller    ports.StructuredCaller
	log       *runlog.Log
	suppliers []config.Supplier
	logger    *slog.Logger
}

// NewOrderResolver wires the resolver.
func NewOrderResolver(store ports.Store, caller ports.StructuredCaller, log *runlog.Log, suppliers []config.Supplier, logger *slog.Logger) *OrderResolver {
	return &OrderResolver{store: store, caller: caller, log: log, suppliers: suppliers, logger: logger}
}

// PlacedOrder is one resolved purchase within a run.
type PlacedOrder struct {
	DrugName      string         `json:"drug_name"`
	Quantity      float64        `json:"quantity"`
	Unit          string         `json:"unit,omitempty"`
	Urgency       domain.Urgency `json:"urgency"`
	Supplier      string         `json:"supplier"`
	DeliveryDays  int            `json:"delivery_days"`
	EstimatedCost float64        `json:"estimated_cost"`
	Rationale     string         `json:"rationale,omitempty"`
}

// OrderPayload is the stage's run-log contract.
type OrderPayload struct {
	OrdersPlaced []PlacedOrder `json:"orders_placed"`
	Unfulfilled  []string      `json:"unfulfilled,omitempty"`
	Degraded     bool          `json:"degraded,omitempty"`
	Summary      string        `json:"summary"`
}

func (r *OrderResolver) Name() domain.StageName { return domain.StageOrders }

// Run places one order per requested drug. Duplicate requests for the same
// drug within a batch collapse to the most urgent, largest one.
func (r *OrderResolver) Run(ctx context.Context, runID uuid.UUID, requests []domain.OrderRequest) (domain.StageStatus, error) {
	requests = dedupeRequests(requests)
	if len(requests) == 0 {
		payload := OrderPayload{OrdersPlaced: []PlacedOrder{}, Summary: "No orders requested."}
		if err := r.log.Append(ctx, runID, r.Name(), payload, payload.Summary); err != nil {
			return domain.StageFailed, err
		}
		return domain.StageOK, nil
	}

	inventory, err := r.store.Drugs(ctx)
	if err != nil {
		return domain.StageFailed, fmt.Errorf("load inventory: %w", err)
	}
	pricing := make(map[string]domain.Drug, len(inventory))
	for _, d := range inventory {
		pricing[d.Name] = d
	}

	payload, degraded := r.plan(ctx, requests, pricing)
	payload.OrdersPlaced = r.cost(payload.OrdersPlaced, pricing)

	if err := r.recordAlerts(ctx, runID, payload.OrdersPlaced); err != nil {
		return domain.StageFailed, err
	}

	payload.Degraded = degraded
	if payload.Summary == "" {
		payload.Summary = fmt.Sprintf("Placed %d orders.", len(payload.OrdersPlaced))
	}
	if err := r.log.Append(ctx, runID, r.Name(), payload, payload.Summary); err != nil {
		return domain.StageFailed, err
	}
	if degraded {
		return domain.StageDegraded, nil
	}
	return domain.StageOK, nil
}

// dedupeRequests keeps one request per drug: the higher urgency wins, and
// within equal urgency the larger quantity wins.
func dedupeRequests(requests []domain.OrderRequest) []domain.OrderRequest {
	byDrug := map[string]domain.OrderRequest{}
	var order []string
	for _, req := range requests {
		if req.DrugName == "" || req.Quantity <= 0 {
			continue
		}
		prev, ok := byDrug[req.DrugName]
		if !ok {
			byDrug[req.DrugName] = req
			order = append(order, req.DrugName)
			continue
		}
		if urgencyRank(req.Urgency) > urgencyRank(prev.Urgency) ||
			(urgencyRank(req.Urgency) == urgencyRank(prev.Urgency) && req.Quantity > prev.Quantity) {
			byDrug[req.DrugName] = req
		}
	}
	deduped := make([]domain.OrderRequest, 0, len(order))
	for _, name := range order {
		deduped = append(deduped, byDrug[name])
	}
	return deduped
}

func urgencyRank(u domain.Urgency) int {
	switch u {
	case domain.UrgencyEmergency:
		return 3
	case domain.UrgencyExpedited:
		return 2
	case domain.UrgencyRoutine:
		return 1
	}
	return 0
}

func (r *OrderResolver) plan(ctx context.Context, requests []domain.OrderRequest, pricing map[string]domain.Drug) (OrderPayload, bool) {
	userPayload := map[string]any{
		"orders":    requests,
		"suppliers": r.suppliers,
	}
	var payload OrderPayload
	if err := r.caller.Call(ctx, r.rolePrompt(), orderSchema, userPayload, &payload); err != nil {
		r.logger.Warn("order planning degraded", "error", err)
		return r.coverageFallback(requests), true
	}
	payload.OrdersPlaced = r.restrictToSuppliers(payload.OrdersPlaced, requests)
	return payload, false
}

// restrictToSuppliers drops orders naming suppliers outside the approved
// list or drugs that were never requested, and pins quantities and urgency
// back to the request rather than trusting the reply.
func (r *OrderResolver) restrictToSuppliers(orders []PlacedOrder, requests []domain.OrderRequest) []PlacedOrder {
	requested := make(map[string]domain.OrderRequest, len(requests))
	for _, req := range requests {
		requested[req.DrugName] = req
	}
	kept := make([]PlacedOrder, 0, len(orders))
	for _, o := range orders {
		req, ok := requested[o.DrugName]
		if !ok {
			continue
		}
		sup := r.supplierByName(o.Supplier)
		if sup == nil || !supplierCarries(*sup, o.DrugName) {
			continue
		}
		o.Quantity = req.Quantity
		o.Urgency = req.Urgency
		o.DeliveryDays = sup.DeliveryDays
		kept = append(kept, o)
	}
	return kept
}

// coverageFallback is the degraded path: pick the fastest approved supplier
// that carries the drug, breaking delivery-time ties on reliability.
func (r *OrderResolver) coverageFallback(requests []domain.OrderRequest) OrderPayload {
	var placed []PlacedOrder
	var unfulfilled []string
	for _, req := range requests {
		best := r.bestSupplier(req.DrugName)
		if best == nil {
			unfulfilled = append(unfulfilled, req.DrugName)
			continue
		}
		placed = append(placed, PlacedOrder{
			DrugName:     req.DrugName,
			Quantity:     req.Quantity,
			Urgency:      req.Urgency,
			Supplier:     best.Name,
			DeliveryDays: best.DeliveryDays,
			Rationale:    "Fastest approved supplier, reasoning service unavailable.",
		})
	}
	return OrderPayload{
		OrdersPlaced: placed,
		Unfulfilled:  unfulfilled,
		Summary:      fmt.Sprintf("Degraded mode: supplier matching placed %d of %d orders.", len(placed), len(requests)),
	}
}

func (r *OrderResolver) bestSupplier(drugName string) *config.Supplier {
	var best *config.Supplier
	for i := range r.suppliers {
		s := &r.suppliers[i]
		if !supplierCarries(*s, drugName) {
			continue
		}
		if best == nil ||
			s.DeliveryDays < best.DeliveryDays ||
			(s.DeliveryDays == best.DeliveryDays && s.Reliability > best.Reliability) {
			best = s
		}
	}
	return best
}

func (r *OrderResolver) supplierByName(name string) *config.Supplier {
	for i := range r.suppliers {
		if r.suppliers[i].Name == name {
			return &r.suppliers[i]
		}
	}
	return nil
}

func supplierCarries(s config.Supplier, drugName string) bool {
	for _, d := range s.Drugs {
		if d == drugName {
			return true
		}
	}
	return false
}

// cost recomputes estimated cost and units from inventory pricing so the
// recorded figures never depend on the reasoning reply.
func (r *OrderResolver) cost(orders []PlacedOrder, pricing map[string]domain.Drug) []PlacedOrder {
	for i := range orders {
		if d, ok := pricing[orders[i].DrugName]; ok {
			orders[i].Unit = d.Unit
			orders[i].EstimatedCost = orders[i].Quantity * d.PricePerUnit
		}
	}
	return orders
}

// recordAlerts writes one AUTO_ORDER_PLACED alert per placed order.
func (r *OrderResolver) recordAlerts(ctx context.Context, runID uuid.UUID, orders []PlacedOrder) error {
	if len(orders) == 0 {
		return nil
	}
	now := time.Now().UTC()
	alerts := make([]domain.Alert, 0, len(orders))
	for _, o := range orders {
		severity := domain.SeverityWarning
		if o.Urgency == domain.UrgencyEmergency {
			severity = domain.SeverityUrgent
		}
		payload, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("marshal order payload: %w", err)
		}
		alerts = append(alerts, domain.Alert{
			RunID:    runID,
			Kind:     domain.AlertAutoOrderPlaced,
			Severity: severity,
			DrugName: o.DrugName,
			Title:    fmt.Sprintf("Order placed: %s", o.DrugName),
			Description: fmt.Sprintf("Ordered %.0f %s of %s from %s (%s, delivery in %d days).",
				o.Quantity, unitOrDefault(o.Unit), o.DrugName, o.Supplier, o.Urgency, o.DeliveryDays),
			ActionPayload: payload,
			CreatedAt:     now,
		})
	}
	if err := r.store.InsertAlerts(ctx, alerts); err != nil {
		return fmt.Errorf("insert order alerts: %w", err)
	}
	return nil
}

func unitOrDefault(unit string) string {
	if unit == "" {
		return "units"
	}
	return unit
}

func (r *OrderResolver) rolePrompt() string {
	var roster strings.Builder
	for _, s := range r.suppliers {
		fmt.Fprintf(&roster, "- %s (%s): carries %s, delivers in %d days, reliability %.2f\n",
			s.Name, s.Type, strings.Join(s.Drugs, ", "), s.DeliveryDays, s.Reliability)
	}
	return fmt.Sprintf(`You are a hospital procurement specialist matching drug orders to
approved suppliers.

Approved suppliers (the ONLY ones you may use):
%s
For each order pick exactly one supplier that carries the drug. EMERGENCY
orders prioritize delivery speed over everything else; EXPEDITED orders
balance speed and reliability; ROUTINE orders prefer reliability. Explain
each choice briefly. If no approved supplier carries a drug, list it as
unfulfilled instead of guessing.`, roster.String())
}

var orderSchema = map[string]any{
	"orders_placed": []map[string]any{{
		"drug_name":     "string",
		"quantity":      0.0,
		"urgency":       "ROUTINE | EXPEDITED | EMERGENCY",
		"supplier":      "string",
		"delivery_days": 0,
		"rationale":     "string",
	}},
	"unfulfilled": []string{},
	"summary":     "string",
}
