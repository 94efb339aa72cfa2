package shipsync

import (
	"encoding/json"
	"strings"

	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"github.com/shopspring/decimal"
)

// remoteOrder is the storefront's order payload.
type remoteOrder struct {
	ID             string            `json:"id"`
	OrderNumber    string            `json:"order_number"`
	CarrierJobId   string            `json:"carrier_job_id"`
	OrderDate      string            `json:"order_date"`
	Status         string            `json:"status"`
	ShipToName     string            `json:"ship_to_name"`
	ShipToStreet   string            `json:"ship_to_street"`
	ShipToCity     string            `json:"ship_to_city"`
	ShipToState    string            `json:"ship_to_state"`
	ShipToPostcode string            `json:"ship_to_postcode"`
	ShipToCountry  string            `json:"ship_to_country"`
	BillToName     string            `json:"bill_to_name"`
	CarrierCode    string            `json:"carrier_code"`
	ServiceCode    string            `json:"service_code"`
	TrackingNumber string            `json:"tracking_number"`
	UpdatedAt      string            `json:"updated_at"`
	Items          []remoteOrderItem `json:"items"`
	Lines          []remoteOrderItem `json:"lines"`
}

type remoteOrderItem struct {
	Sku         string      `json:"sku"`
	Quantity    json.Number `json:"quantity"`
	LotOverride string      `json:"lot_override"`
}

// remoteShipment is the storefront's shipped-order event payload.
type remoteShipment struct {
	ID             string            `json:"id"`
	OrderNumber    string            `json:"order_number"`
	ShipDate       string            `json:"ship_date"`
	CarrierCode    string            `json:"carrier_code"`
	ServiceCode    string            `json:"service_code"`
	TrackingNumber string            `json:"tracking_number"`
	UpdatedAt      string            `json:"updated_at"`
	Items          []remoteOrderItem `json:"items"`
	Lines          []remoteOrderItem `json:"lines"`
}

func (o *remoteOrder) items() []remoteOrderItem {
	if len(o.Items) > 0 {
		return o.Items
	}
	return o.Lines
}

func (s *remoteShipment) items() []remoteOrderItem {
	if len(s.Items) > 0 {
		return s.Items
	}
	return s.Lines
}

// mapRemoteStatus normalizes the storefront's status vocabulary.
func mapRemoteStatus(status string) models.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "pending", "new":
		return models.OrderStatusPending
	case "uploaded", "submitted":
		return models.OrderStatusUploaded
	case "awaiting_payment", "payment_pending":
		return models.OrderStatusAwaitingPayment
	case "awaiting_shipment", "ready_to_ship", "processing":
		return models.OrderStatusAwaitingShipment
	case "shipped", "complete", "completed":
		return models.OrderStatusShipped
	case "cancelled", "canceled":
		return models.OrderStatusCancelled
	case "failed", "error":
		return models.OrderStatusFailed
	case "on_hold", "held":
		return models.OrderStatusOnHold
	default:
		return models.OrderStatusPending
	}
}

type TriggerSyncRequest struct {
	Workflow string `json:"workflow"`
	// Async queues the run through Pub/Sub instead of running it inline.
	Async bool `json:"async"`
}

type ResolveViolationRequest struct {
	ResolvedBy string `json:"resolvedBy"`
}

type SetWorkflowRequest struct {
	Enabled   *bool  `json:"enabled" binding:"required"`
	UpdatedBy string `json:"updatedBy"`
}

// AdjustStockRequest is a signed manual correction against one lot. Positive
// adjusts up, negative adjusts down.
type AdjustStockRequest struct {
	LotCode  string          `json:"lotCode" binding:"required"`
	Quantity decimal.Decimal `json:"quantity" binding:"required"`
	Reason   string          `json:"reason"`
}

type StatusResponse struct {
	OverallStatus string            `json:"overallStatus"`
	Workflows     []WorkflowStatus  `json:"workflows"`
	LatestRuns    []SyncRunResponse `json:"latestRuns"`
}

type WorkflowStatus struct {
	Name      string  `json:"name"`
	Enabled   bool    `json:"enabled"`
	LastRunAt *string `json:"lastRunAt"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID            int     `json:"id"`
	WorkflowName  string  `json:"workflowName"`
	Status        string  `json:"status"`
	StartedAt     *string `json:"startedAt"`
	FinishedAt    *string `json:"finishedAt"`
	DurationMs    int64   `json:"durationMs"`
	RecordsSynced int     `json:"recordsSynced"`
	ErrorCount    int     `json:"errorCount"`
	TriggeredBy   string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         int    `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId        int    `json:"run_id"`
	WorkflowName string `json:"workflow_name"`
}
