package models

// TransactionKind is the closed set of ledger transaction kinds.
type TransactionKind string

const (
	TransactionKindReceive    TransactionKind = "Receive"
	TransactionKindShip       TransactionKind = "Ship"
	TransactionKindAdjustUp   TransactionKind = "AdjustUp"
	TransactionKindAdjustDown TransactionKind = "AdjustDown"
	TransactionKindRepack     TransactionKind = "Repack"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case TransactionKindReceive, TransactionKindShip, TransactionKindAdjustUp,
		TransactionKindAdjustDown, TransactionKindRepack:
		return true
	}
	return false
}

type LotStatus string

const (
	LotStatusActive   LotStatus = "active"
	LotStatusDepleted LotStatus = "depleted"
	LotStatusClosed   LotStatus = "closed"
)

// OrderStatus tracks an inbound order through the external platform's lifecycle.
// Progress states move forward only; terminal states are sticky. OnHold is the
// one alternate an order can leave again, since a held order may still ship once
// stock arrives.
type OrderStatus string

const (
	OrderStatusPending          OrderStatus = "pending"
	OrderStatusUploaded         OrderStatus = "uploaded"
	OrderStatusAwaitingPayment  OrderStatus = "awaiting_payment"
	OrderStatusAwaitingShipment OrderStatus = "awaiting_shipment"
	OrderStatusShipped          OrderStatus = "shipped"
	OrderStatusCancelled        OrderStatus = "cancelled"
	OrderStatusFailed           OrderStatus = "failed"
	OrderStatusOnHold           OrderStatus = "on_hold"
	OrderStatusSyncedManual     OrderStatus = "synced_manual"
)

var orderStatusRank = map[OrderStatus]int{
	OrderStatusPending:          0,
	OrderStatusUploaded:         1,
	OrderStatusAwaitingPayment:  2,
	OrderStatusAwaitingShipment: 3,
	OrderStatusShipped:          4,
}

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusUploaded, OrderStatusAwaitingPayment,
		OrderStatusAwaitingShipment, OrderStatusShipped, OrderStatusCancelled,
		OrderStatusFailed, OrderStatusOnHold, OrderStatusSyncedManual:
		return true
	}
	return false
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusShipped, OrderStatusCancelled, OrderStatusFailed, OrderStatusSyncedManual:
		return true
	}
	return false
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Re-applying the current status is a no-op and always allowed (idempotent sync).
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	// Any live order may be held, cancelled, failed or closed out manually.
	switch next {
	case OrderStatusOnHold, OrderStatusCancelled, OrderStatusFailed, OrderStatusSyncedManual:
		return true
	}
	if s == OrderStatusOnHold {
		// Released holds resume anywhere in the forward progression.
		_, ok := orderStatusRank[next]
		return ok
	}
	// Progress states move forward only. Polling may skip intermediate states,
	// so any forward jump is a legal observation.
	return orderStatusRank[next] > orderStatusRank[s]
}

// ViolationType is the closed set of shipping policy violations.
type ViolationType string

const (
	ViolationDestinationServiceMismatch ViolationType = "destination_service_mismatch"
	ViolationDisallowedCarrier          ViolationType = "disallowed_carrier"
	ViolationCrossBorderServiceMismatch ViolationType = "cross_border_service_mismatch"
)

func (v ViolationType) Valid() bool {
	switch v {
	case ViolationDestinationServiceMismatch, ViolationDisallowedCarrier, ViolationCrossBorderServiceMismatch:
		return true
	}
	return false
}

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
)

const (
	SyncTriggeredManual    = "manual"
	SyncTriggeredRetry     = "retry"
	SyncTriggeredScheduler = "scheduler"
)

// Workflow names known to the scheduler and the workflow gate.
const (
	WorkflowOrderSync         = "order_sync"
	WorkflowShipmentSync      = "shipment_sync"
	WorkflowSnapshotReconcile = "snapshot_reconcile"
	WorkflowWeeklyReport      = "weekly_report"
	WorkflowCleanup           = "cleanup"
)

const (
	IdempotencyStatusStarted   = "STARTED"
	IdempotencyStatusSucceeded = "SUCCEEDED"
	IdempotencyStatusFailed    = "FAILED"
)

const (
	OverallStatusOnline   = "online"
	OverallStatusDegraded = "degraded"
	OverallStatusOffline  = "offline"
)
