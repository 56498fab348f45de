package gateway

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DatetimeLayout is the timestamp format the payment-method endpoint signs.
const DatetimeLayout = "2006-01-02 15:04:05"

// InquirySignature authenticates a payment session request:
// MD5(merchantCode + merchantOrderId + paymentAmount + apiKey).
func InquirySignature(merchantCode, orderNumber string, amount int64, apiKey string) string {
	sum := md5.Sum([]byte(merchantCode + orderNumber + strconv.FormatInt(amount, 10) + apiKey))
	return hex.EncodeToString(sum[:])
}

// PaymentMethodsSignature authenticates a payment-method listing:
// SHA256(merchantCode + amount + datetime + apiKey).
func PaymentMethodsSignature(merchantCode string, amount int64, at time.Time, apiKey string) string {
	sum := sha256.Sum256([]byte(merchantCode + strconv.FormatInt(amount, 10) + at.Format(DatetimeLayout) + apiKey))
	return hex.EncodeToString(sum[:])
}

// CallbackSignature is the digest the gateway attaches to result callbacks:
// MD5(merchantCode + amount + merchantOrderId + apiKey). amount is signed as
// the exact text the gateway sent.
func CallbackSignature(merchantCode, amount, merchantOrderID, apiKey string) string {
	sum := md5.Sum([]byte(merchantCode + amount + merchantOrderID + apiKey))
	return hex.EncodeToString(sum[:])
}

func signaturesEqual(expected, got string) bool {
	got = strings.ToLower(strings.TrimSpace(got))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
