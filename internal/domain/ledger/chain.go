package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// GenesisHash is the previous-entry link of the first entry of every account.
var GenesisHash = strings.Repeat("0", sha256.Size*2)

// ComputeHash returns the SHA-256 over the entry's previous hash and its fields.
func ComputeHash(e *Entry) string {
	paymentID := ""
	if e.PaymentID != nil {
		paymentID = e.PaymentID.String()
	}
	reverses := ""
	if e.ReversesEntryID != nil {
		reverses = e.ReversesEntryID.String()
	}

	fields := []string{
		e.PreviousEntryHash,
		e.EntryID.String(),
		e.AccountID,
		strconv.FormatInt(e.SequenceNumber, 10),
		strconv.FormatInt(e.Amount, 10),
		e.Currency,
		string(e.Kind),
		e.CausedByTransactionID,
		paymentID,
		e.Event,
		reverses,
		e.IdempotencyKey,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}

	h := sha256.New()
	for _, f := range fields {
		// length prefix keeps field boundaries unambiguous
		h.Write([]byte(strconv.Itoa(len(f))))
		h.Write([]byte{':'})
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ChainBrokenError reports the first entry whose link or hash does not match.
type ChainBrokenError struct {
	AccountID      string
	SequenceNumber int64
	Reason         string
}

func (e ChainBrokenError) Error() string {
	return fmt.Sprintf("ledger: hash chain broken for account %s at sequence %d: %s", e.AccountID, e.SequenceNumber, e.Reason)
}

// Is implements the errors.Is interface for ChainBrokenError
func (e ChainBrokenError) Is(target error) bool {
	t, ok := target.(ChainBrokenError)
	if !ok {
		return false
	}
	if t.AccountID == "" {
		return true
	}
	return e.AccountID == t.AccountID && (t.SequenceNumber == 0 || e.SequenceNumber == t.SequenceNumber)
}

// VerifyChain recomputes the chain over entries, which must be one account's
// entries in sequence order. Every link is checked against the recomputed hash
// of its predecessor, so a mutation breaks the chain from that entry onward.
func VerifyChain(entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	account := entries[0].AccountID
	prev := GenesisHash
	var expectedSeq int64 = 1
	for _, e := range entries {
		if e.SequenceNumber != expectedSeq {
			return ChainBrokenError{AccountID: account, SequenceNumber: e.SequenceNumber,
				Reason: fmt.Sprintf("expected sequence %d", expectedSeq)}
		}
		if e.PreviousEntryHash != prev {
			return ChainBrokenError{AccountID: account, SequenceNumber: e.SequenceNumber, Reason: "previous hash mismatch"}
		}
		computed := ComputeHash(e)
		if computed != e.EntryHash {
			return ChainBrokenError{AccountID: account, SequenceNumber: e.SequenceNumber, Reason: "entry hash mismatch"}
		}
		prev = computed
		expectedSeq++
	}
	return nil
}
