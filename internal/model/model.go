package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrInvalidStateTransition = errors.New("invalid state transition")

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

type User struct {
	ID           int             `json:"user_id"` // уникальный идентификатор пользователя
	Username     string          `json:"login"`
	PasswordHash string          `json:"-"`
	Role         Role            `json:"role"`
	Points       decimal.Decimal `json:"points"` // кэшированный баланс, владелец — леджер
}

type OrderKind string

const (
	KindTopup    OrderKind = "topup"    // пополнение баланса
	KindPurchase OrderKind = "purchase" // покупка игрового товара
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"    // заказ создан, чек ещё не проверялся
	OrderProcessing OrderStatus = "processing" // чек принят, идёт проверка
	OrderCompleted  OrderStatus = "completed"  // оплата подтверждена, баллы начислены
	OrderFailed     OrderStatus = "failed"     // проверка отклонена
	OrderCancelled  OrderStatus = "cancelled"  // отменён пользователем или администратором
)

// orderTransitions is the full transition graph. processing -> pending is the
// claim release: the verifier was unreachable or settlement aborted, so the
// order goes back for another attempt without a new upload.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderCompleted, OrderFailed, OrderPending},
}

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderFailed || s == OrderCancelled
}

type Order struct {
	ID        int             `json:"id"`
	UserID    int             `json:"user_id"`
	Kind      OrderKind       `json:"kind"`
	Status    OrderStatus     `json:"status"`
	Amount    decimal.Decimal `json:"amount"` // сумма к оплате, фиксируется при создании
	Points    decimal.Decimal `json:"points"` // баллы к начислению, по умолчанию 1:1
	GameRef   string          `json:"game_ref,omitempty"`
	GameUID   string          `json:"game_uid,omitempty"`
	CreatedAt time.Time       `json:"created_at"` // time.RFC3339
	UpdatedAt time.Time       `json:"updated_at"`
}

type SlipStatus string

const (
	SlipPending   SlipStatus = "pending"   // чек загружен, ждёт проверки
	SlipVerified  SlipStatus = "verified"  // проверка прошла, оплата зачтена
	SlipRejected  SlipStatus = "rejected"  // чек не прошёл проверку
	SlipDuplicate SlipStatus = "duplicate" // чек уже был использован ранее
)

func (s SlipStatus) Terminal() bool {
	return s == SlipVerified || s == SlipRejected || s == SlipDuplicate
}

func (s SlipStatus) CanTransition(to SlipStatus) bool {
	return s == SlipPending && to.Terminal()
}

type Slip struct {
	ID           int             `json:"id"`
	OrderID      int             `json:"order_id"`
	UserID       int             `json:"user_id"`
	FileRef      string          `json:"file_ref"` // ключ файла в объектном хранилище
	Status       SlipStatus      `json:"status"`
	RawResponse  json.RawMessage `json:"raw_response,omitempty"` // ответ верификатора как есть, для аудита
	ErrorMessage string          `json:"error_message,omitempty"`
	UploadedAt   time.Time       `json:"uploaded_at"`
	VerifiedAt   *time.Time      `json:"verified_at,omitempty"`
}

type LedgerKind string // тип записи леджера

const (
	LedgerTopup      LedgerKind = "topup"      // начисление за пополнение
	LedgerPurchase   LedgerKind = "purchase"   // списание за покупку
	LedgerRefund     LedgerKind = "refund"     // возврат
	LedgerAdjustment LedgerKind = "adjustment" // ручная корректировка администратором
)

// LedgerEntry is append-only. Amount is signed; PointsAfter must equal
// PointsBefore plus Amount, and PointsBefore must equal the cached user
// balance at the instant of the append.
type LedgerEntry struct {
	ID           int             `json:"id"`
	Code         string          `json:"code"` // уникальный код записи для поддержки
	UserID       int             `json:"user_id"`
	Kind         LedgerKind      `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	PointsBefore decimal.Decimal `json:"points_before"`
	PointsAfter  decimal.Decimal `json:"points_after"`
	ReferenceID  int             `json:"reference_id,omitempty"` // заказ, породивший запись; мягкая ссылка
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"` // time.RFC3339
}
