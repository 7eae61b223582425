package model

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// ============================================================================
// 交易状态机
// ============================================================================
//
// PENDING -> IN_FLIGHT -> {SUCCEEDED, FAILED, UNKNOWN}
//
// UNKNOWN 只能由对账方（Sweeper / 渠道回调 / 人工处理）推进到 SUCCEEDED 或 FAILED，
// 请求链路永远不会直接改写 UNKNOWN 记录。
//
// ============================================================================

type TxState string

const (
	TxStatePending   TxState = "PENDING"
	TxStateInFlight  TxState = "IN_FLIGHT"
	TxStateSucceeded TxState = "SUCCEEDED"
	TxStateFailed    TxState = "FAILED"
	TxStateUnknown   TxState = "UNKNOWN"
)

// IsTerminal 是否为终态
func (s TxState) IsTerminal() bool {
	return s == TxStateSucceeded || s == TxStateFailed
}

// Actor 发起状态变更的一方
type Actor string

const (
	ActorDispatch   Actor = "DISPATCH"
	ActorReconciler Actor = "RECONCILER"
)

var DispatchTransitions = map[TxState][]TxState{
	TxStatePending:  {TxStateInFlight},
	TxStateInFlight: {TxStateInFlight, TxStatePending, TxStateSucceeded, TxStateFailed, TxStateUnknown},
}

// UNKNOWN -> UNKNOWN 是对账查询无果后的"复查"标记，只推进 version / updated_at，
// 让下一轮扫描先处理其他记录
var ReconcileTransitions = map[TxState][]TxState{
	TxStateInFlight: {TxStateSucceeded, TxStateFailed, TxStateUnknown},
	TxStateUnknown:  {TxStateSucceeded, TxStateFailed, TxStateUnknown},
}

func CanTransitionTo(actor Actor, currentState, targetState TxState) bool {
	table := DispatchTransitions
	if actor == ActorReconciler {
		table = ReconcileTransitions
	}
	allowedStates, exists := table[currentState]
	if !exists {
		return false
	}
	for _, s := range allowedStates {
		if s == targetState {
			return true
		}
	}
	return false
}

// TxKind 交易类型，退款与撤销复用同一套状态机
type TxKind string

const (
	TxKindCharge TxKind = "CHARGE"
	TxKindRefund TxKind = "REFUND"
	TxKindVoid   TxKind = "VOID"
)

// Provider 支付渠道
type Provider string

const (
	ProviderStripe    Provider = "stripe"
	ProviderAlipay    Provider = "alipay"
	ProviderWechatPay Provider = "wechatpay"
	ProviderSandbox   Provider = "sandbox"
)

var SupportedProviders = []Provider{ProviderStripe, ProviderAlipay, ProviderWechatPay, ProviderSandbox}

func ParseProvider(s string) (Provider, bool) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, sp := range SupportedProviders {
		if sp == p {
			return p, true
		}
	}
	return "", false
}

// 支持的币种，金额统一使用最小货币单位
var supportedCurrencies = map[string]struct{}{
	"USD": {}, "CNY": {}, "HKD": {}, "KRW": {}, "THB": {},
	"EUR": {}, "GBP": {}, "JPY": {}, "INR": {},
}

func NormalizeCurrency(s string) (string, bool) {
	c := strings.ToUpper(strings.TrimSpace(s))
	_, ok := supportedCurrencies[c]
	return c, ok
}

// ============================================================================
// 交易记录
// ============================================================================

// Transaction 交易记录
//
// 【不变量】
// 1. idempotency_key 全局唯一，同一个 key 永远只对应一条记录
// 2. amount / currency / provider / kind 创建后不可修改
// 3. provider_reference 只能写一次，用于发现重复扣款
// 4. 记录永不物理删除，用于审计
type Transaction struct {
	ID                string         `gorm:"type:varchar(64);primaryKey" json:"transaction_id"`
	IdempotencyKey    string         `gorm:"type:varchar(255);uniqueIndex;not null" json:"idempotency_key"`
	Fingerprint       string         `gorm:"type:varchar(64);not null" json:"-"`
	Kind              TxKind         `gorm:"type:varchar(16);not null" json:"kind"`
	ParentID          string         `gorm:"type:varchar(64);index" json:"parent_id,omitempty"`
	Amount            int64          `gorm:"not null" json:"amount"`
	Currency          string         `gorm:"type:varchar(8);not null" json:"currency"`
	Provider          Provider       `gorm:"type:varchar(32);not null" json:"provider"`
	Payload           datatypes.JSON `json:"payload,omitempty"`
	State             TxState        `gorm:"type:varchar(16);index:idx_state_updated;not null" json:"state"`
	ProviderReference string         `gorm:"type:varchar(128);not null;default:''" json:"provider_reference,omitempty"`
	FailureCode       string         `gorm:"type:varchar(64)" json:"failure_code,omitempty"`
	FailureMessage    string         `gorm:"type:varchar(512)" json:"failure_message,omitempty"`
	AttemptCount      int            `gorm:"not null;default:0" json:"attempt_count"`
	Version           int64          `gorm:"not null;default:0" json:"version"`
	LastAttemptAt     *time.Time     `json:"last_attempt_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `gorm:"index:idx_state_updated" json:"updated_at"`
}

func (Transaction) TableName() string {
	return "payment_transaction"
}

// Clone 深拷贝，CAS 时基于副本构造新记录
func (t *Transaction) Clone() *Transaction {
	c := *t
	if t.LastAttemptAt != nil {
		at := *t.LastAttemptAt
		c.LastAttemptAt = &at
	}
	if t.Payload != nil {
		c.Payload = append(datatypes.JSON(nil), t.Payload...)
	}
	return &c
}
