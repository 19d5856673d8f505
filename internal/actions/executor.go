// Package actions applies triage decisions: card freezes, disputes, customer
// contact and false-positive closure. Every operation is idempotent under an
// Idempotency-Key and writes all of its state in one transaction.
package actions

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cardwatch/backend/internal/cache"
	"github.com/cardwatch/backend/internal/core"
	"github.com/cardwatch/backend/internal/frauderr"
	"github.com/cardwatch/backend/internal/monitoring"
	"github.com/cardwatch/backend/internal/store"
)

// Operation names, used as idempotency namespaces and metric labels.
const (
	OpFreezeCard        = "freeze_card"
	OpOpenDispute       = "open_dispute"
	OpContactCustomer   = "contact_customer"
	OpMarkFalsePositive = "mark_false_positive"
)

// Case event actions.
const (
	EventCardFrozen          = "CARD_FROZEN"
	EventDisputeOpened       = "DISPUTE_OPENED"
	EventCustomerContacted   = "CUSTOMER_CONTACTED"
	EventMarkedFalsePositive = "MARKED_FALSE_POSITIVE"
)

// Executor runs the four actions against the store, gated by OTP where
// required.
type Executor struct {
	store   store.Store
	otp     *cache.OTPStore
	idem    *cache.Idempotency
	metrics *monitoring.Metrics
	logger  *log.Logger
}

func NewExecutor(st store.Store, otp *cache.OTPStore, idem *cache.Idempotency, metrics *monitoring.Metrics) *Executor {
	return &Executor{
		store:   st,
		otp:     otp,
		idem:    idem,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[ACTIONS] ", log.LstdFlags),
	}
}

// FreezeRequest freezes a card. Without an OTP the call issues one and
// returns PENDING_OTP; with a valid OTP the freeze, its case and the alert
// resolution commit atomically.
type FreezeRequest struct {
	CardID  string `json:"card_id"`
	AlertID string `json:"alert_id,omitempty"`
	OTP     string `json:"otp,omitempty"`
	Actor   string `json:"actor"`
}

// FreezeResponse's Status is FROZEN or PENDING_OTP.
type FreezeResponse struct {
	Status  string `json:"status"`
	CardID  string `json:"card_id"`
	CaseID  string `json:"case_id,omitempty"`
	AlertID string `json:"alert_id,omitempty"`
}

type DisputeRequest struct {
	TxnID      string `json:"txn_id"`
	ReasonCode string `json:"reason_code"`
	AlertID    string `json:"alert_id,omitempty"`
	Actor      string `json:"actor"`
}

type DisputeResponse struct {
	Status string `json:"status"`
	CaseID string `json:"case_id"`
	TxnID  string `json:"txn_id"`
}

// AlertActionRequest serves contact_customer and mark_false_positive, which
// share a shape.
type AlertActionRequest struct {
	AlertID      string `json:"alert_id"`
	CustomerID   string `json:"customer_id"`
	SuspectTxnID string `json:"suspect_txn_id,omitempty"`
	Actor        string `json:"actor"`
}

type AlertActionResponse struct {
	Status  string `json:"status"`
	CaseID  string `json:"case_id"`
	AlertID string `json:"alert_id"`
}

// FreezeCard applies the freeze flow. idemKey may be empty, which disables
// replay detection for the call.
func (e *Executor) FreezeCard(ctx context.Context, idemKey string, req FreezeRequest) ([]byte, error) {
	if req.CardID == "" {
		return nil, frauderr.Validation("card_id is required", "card_id")
	}

	if cached, ok, err := e.lookupReplay(ctx, OpFreezeCard, idemKey); err != nil {
		return nil, err
	} else if ok {
		e.count(OpFreezeCard, "replayed")
		return cached, nil
	}

	card, err := e.store.GetCard(ctx, req.CardID)
	if err != nil {
		return nil, err
	}
	if card.Status == core.CardFrozen {
		// Already frozen: idempotent success, no new case.
		return e.finish(ctx, OpFreezeCard, idemKey, "applied", FreezeResponse{
			Status: string(core.CardFrozen), CardID: card.ID, AlertID: req.AlertID,
		})
	}

	if req.OTP == "" {
		// No state change: issue a fresh code and ask the caller back.
		// Deliberately not recorded for replay, so the retry carrying the
		// OTP can reuse the same idempotency key.
		if _, err := e.otp.Issue(ctx, req.CardID); err != nil {
			return nil, err
		}
		e.count(OpFreezeCard, "pending_otp")
		resp := FreezeResponse{Status: "PENDING_OTP", CardID: card.ID, AlertID: req.AlertID}
		return json.Marshal(resp)
	}

	if err := e.otp.Verify(ctx, req.CardID, req.OTP); err != nil {
		e.count(OpFreezeCard, "rejected")
		return nil, err
	}

	caseID := uuid.NewString()
	now := time.Now()
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		locked, err := tx.GetCardForUpdate(ctx, req.CardID)
		if err != nil {
			return err
		}
		if locked.Status == core.CardFrozen {
			// Lost a freeze race; the other transaction owns the case.
			caseID = ""
			return nil
		}
		if err := tx.UpdateCardStatus(ctx, req.CardID, core.CardFrozen); err != nil {
			return err
		}
		if err := tx.CreateCase(ctx, &core.Case{
			ID:         caseID,
			CustomerID: locked.CustomerID,
			Type:       core.CaseCardFreeze,
			Status:     core.CaseOpen,
			ReasonCode: "FRAUD_SUSPECTED",
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := tx.AppendCaseEvent(ctx, &core.CaseEvent{
			CaseID: caseID,
			Actor:  req.Actor,
			Action: EventCardFrozen,
			TS:     now,
			Payload: map[string]interface{}{
				"card_id":  req.CardID,
				"alert_id": req.AlertID,
			},
		}); err != nil {
			return err
		}
		if req.AlertID != "" {
			return tx.UpdateAlertStatus(ctx, req.AlertID, core.AlertResolved)
		}
		return nil
	})
	if err != nil {
		return nil, frauderr.Wrap(frauderr.KindStore, "freeze card", err)
	}

	return e.finish(ctx, OpFreezeCard, idemKey, "applied", FreezeResponse{
		Status:  string(core.CardFrozen),
		CardID:  req.CardID,
		CaseID:  caseID,
		AlertID: req.AlertID,
	})
}

// OpenDispute opens a DISPUTE case for the transaction, reusing any
// non-terminal dispute that already exists for it.
func (e *Executor) OpenDispute(ctx context.Context, idemKey string, req DisputeRequest) ([]byte, error) {
	if req.TxnID == "" {
		return nil, frauderr.Validation("txn_id is required", "txn_id")
	}
	if req.ReasonCode == "" {
		return nil, frauderr.Validation("reason_code is required", "reason_code")
	}

	if cached, ok, err := e.lookupReplay(ctx, OpOpenDispute, idemKey); err != nil {
		return nil, err
	} else if ok {
		e.count(OpOpenDispute, "replayed")
		return cached, nil
	}

	if existing, err := e.store.FindOpenDisputeCase(ctx, req.TxnID); err != nil {
		return nil, frauderr.Wrap(frauderr.KindStore, "find dispute", err)
	} else if existing != nil {
		return e.finish(ctx, OpOpenDispute, idemKey, "applied", DisputeResponse{
			Status: string(existing.Status), CaseID: existing.ID, TxnID: req.TxnID,
		})
	}

	txn, err := e.store.GetTransaction(ctx, req.TxnID)
	if err != nil {
		return nil, err
	}

	caseID := uuid.NewString()
	now := time.Now()
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateCase(ctx, &core.Case{
			ID:         caseID,
			CustomerID: txn.CustomerID,
			TxnID:      req.TxnID,
			Type:       core.CaseDispute,
			Status:     core.CaseOpen,
			ReasonCode: req.ReasonCode,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := tx.AppendCaseEvent(ctx, &core.CaseEvent{
			CaseID: caseID,
			Actor:  req.Actor,
			Action: EventDisputeOpened,
			TS:     now,
			Payload: map[string]interface{}{
				"txn_id":      req.TxnID,
				"reason_code": req.ReasonCode,
			},
		}); err != nil {
			return err
		}
		if req.AlertID != "" {
			return tx.UpdateAlertStatus(ctx, req.AlertID, core.AlertInvestigatingDispute)
		}
		return nil
	})
	if err != nil {
		return nil, frauderr.Wrap(frauderr.KindStore, "open dispute", err)
	}

	return e.finish(ctx, OpOpenDispute, idemKey, "applied", DisputeResponse{
		Status: string(core.CaseOpen), CaseID: caseID, TxnID: req.TxnID,
	})
}

// ContactCustomer records a closed CONTACT_CUSTOMER case and marks the alert
// CONTACTED.
func (e *Executor) ContactCustomer(ctx context.Context, idemKey string, req AlertActionRequest) ([]byte, error) {
	return e.closeAlertWith(ctx, OpContactCustomer, idemKey, req, closeAlertSpec{
		caseType:    core.CaseContactCustomer,
		caseStatus:  core.CaseClosed,
		reasonCode:  "CUSTOMER_CONTACTED",
		event:       EventCustomerContacted,
		alertStatus: core.AlertContacted,
	})
}

// MarkFalsePositive closes the alert as a false positive with its case.
func (e *Executor) MarkFalsePositive(ctx context.Context, idemKey string, req AlertActionRequest) ([]byte, error) {
	return e.closeAlertWith(ctx, OpMarkFalsePositive, idemKey, req, closeAlertSpec{
		caseType:    core.CaseFalsePositive,
		caseStatus:  core.CaseClosedFalsePositive,
		reasonCode:  "FALSE_POSITIVE",
		event:       EventMarkedFalsePositive,
		alertStatus: core.AlertClosedFalsePositive,
	})
}

type closeAlertSpec struct {
	caseType    core.CaseType
	caseStatus  core.CaseStatus
	reasonCode  string
	event       string
	alertStatus core.AlertStatus
}

func (e *Executor) closeAlertWith(ctx context.Context, op, idemKey string, req AlertActionRequest, spec closeAlertSpec) ([]byte, error) {
	if req.AlertID == "" || req.CustomerID == "" {
		return nil, frauderr.Validation("alert_id and customer_id are required", "alert_id", "customer_id")
	}

	if cached, ok, err := e.lookupReplay(ctx, op, idemKey); err != nil {
		return nil, err
	} else if ok {
		e.count(op, "replayed")
		return cached, nil
	}

	if _, err := e.store.GetAlert(ctx, req.AlertID); err != nil {
		return nil, err
	}

	caseID := uuid.NewString()
	now := time.Now()
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateCase(ctx, &core.Case{
			ID:         caseID,
			CustomerID: req.CustomerID,
			TxnID:      req.SuspectTxnID,
			Type:       spec.caseType,
			Status:     spec.caseStatus,
			ReasonCode: spec.reasonCode,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		if err := tx.AppendCaseEvent(ctx, &core.CaseEvent{
			CaseID: caseID,
			Actor:  req.Actor,
			Action: spec.event,
			TS:     now,
			Payload: map[string]interface{}{
				"alert_id": req.AlertID,
			},
		}); err != nil {
			return err
		}
		return tx.UpdateAlertStatus(ctx, req.AlertID, spec.alertStatus)
	})
	if err != nil {
		return nil, frauderr.Wrap(frauderr.KindStore, op, err)
	}

	return e.finish(ctx, op, idemKey, "applied", AlertActionResponse{
		Status: string(spec.caseStatus), CaseID: caseID, AlertID: req.AlertID,
	})
}

// lookupReplay returns the cached payload for a seen idempotency key.
func (e *Executor) lookupReplay(ctx context.Context, op, key string) ([]byte, bool, error) {
	if key == "" || e.idem == nil {
		return nil, false, nil
	}
	return e.idem.Lookup(ctx, op, key)
}

// finish serializes the response and records it for replay. Recording is
// best-effort: a cache outage must not fail an already-committed action.
func (e *Executor) finish(ctx context.Context, op, key, outcome string, resp interface{}) ([]byte, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("marshal %s response: %w", op, err)
	}
	if key != "" && e.idem != nil {
		if err := e.idem.Record(ctx, op, key, payload); err != nil {
			e.logger.Printf("op=%s idempotency record failed: %v", op, err)
		}
	}
	e.count(op, outcome)
	return payload, nil
}

func (e *Executor) count(op, outcome string) {
	if e.metrics != nil {
		e.metrics.ActionsTotal.WithLabelValues(op, outcome).Inc()
	}
}

// IssueOTP lets the API surface request a code explicitly, outside the
// freeze flow.
func (e *Executor) IssueOTP(ctx context.Context, cardID string) error {
	if cardID == "" {
		return frauderr.Validation("card_id is required", "card_id")
	}
	if _, err := e.store.GetCard(ctx, cardID); err != nil {
		return err
	}
	_, err := e.otp.Issue(ctx, cardID)
	return err
}
