package models

import (
	"database/sql/driver"
	"errors"
	"time"

	"github.com/goccy/go-json"
)

type TransactionType string

const (
	TransactionCredit TransactionType = "credit"
	TransactionDebit  TransactionType = "debit"
)

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// PaymentMethod is how a withdrawal is paid out.
type PaymentMethod string

const (
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodMobileMoney  PaymentMethod = "mobile_money"
	MethodConsultation PaymentMethod = "consultation"
)

// Wallet is a doctor's earnings balance in minor units.
type Wallet struct {
	BaseModel
	DoctorID string `gorm:"size:36;uniqueIndex" json:"doctorId"`
	Balance  int64  `gorm:"not null;default:0" json:"balance"`
	Currency string `gorm:"size:3" json:"currency"`
}

// PaymentDetails carries the payout destination of a withdrawal.
type PaymentDetails struct {
	BankName       string `json:"bankName,omitempty"`
	AccountNumber  string `json:"accountNumber,omitempty"`
	AccountName    string `json:"accountName,omitempty"`
	MobileProvider string `json:"mobileProvider,omitempty"`
	MobileNumber   string `json:"mobileNumber,omitempty"`
}

// Value stores the details as a JSON column.
func (d PaymentDetails) Value() (driver.Value, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads the details back from a JSON column.
func (d *PaymentDetails) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*d = PaymentDetails{}
		return nil
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	}
	return errors.New("payment details: unsupported column type")
}

// WalletTransaction is one entry of the append-only wallet log.
type WalletTransaction struct {
	BaseModel
	WalletID         string            `gorm:"size:36;index" json:"walletId"`
	Type             TransactionType   `gorm:"size:10;index" json:"type"`
	Amount           int64             `gorm:"not null" json:"amount"`
	Currency         string            `gorm:"size:3" json:"currency"`
	Status           TransactionStatus `gorm:"size:10;index" json:"status"`
	RelatedSessionID *string           `gorm:"size:36;uniqueIndex" json:"relatedSessionId,omitempty"`
	ConsultationType ConsultationType  `gorm:"size:10" json:"consultationType,omitempty"`
	PaymentMethod    PaymentMethod     `gorm:"size:20" json:"paymentMethod"`
	PaymentDetails   *PaymentDetails   `gorm:"type:text" json:"paymentDetails,omitempty"`
	Description      string            `gorm:"size:255" json:"description"`
	FailureReason    string            `gorm:"size:255" json:"failureReason,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
}
