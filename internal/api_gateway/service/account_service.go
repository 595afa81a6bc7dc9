package service

import (
	"context"

	"github.com/innoscripta-payment-ledger/internal/domain/ledger"
	"github.com/innoscripta-payment-ledger/internal/payment_processor/components"
)

// AccountServiceImpl implements the AccountService interface
type AccountServiceImpl struct {
	ledger LedgerReader
}

func NewAccountService(ledger LedgerReader) AccountService {
	return &AccountServiceImpl{ledger: ledger}
}

// GetBalance folds the account chain; an account exists once it has an entry
func (s *AccountServiceImpl) GetBalance(ctx context.Context, accountID string) (*AccountBalance, error) {
	head, err := s.ledger.Head(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, ErrAccountNotFound
	}

	balance, err := s.ledger.BalanceOf(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &AccountBalance{
		AccountID: accountID,
		Balance:   balance,
		Currency:  head.Currency,
		Entries:   head.SequenceNumber,
		HeadHash:  head.EntryHash,
	}, nil
}

// GetEntries pages by sequence number, which is gapless from 1
func (s *AccountServiceImpl) GetEntries(ctx context.Context, accountID string, page, perPage int) ([]*ledger.Entry, int64, error) {
	head, err := s.ledger.Head(ctx, accountID)
	if err != nil {
		return nil, 0, err
	}
	if head == nil {
		return nil, 0, ErrAccountNotFound
	}

	after := int64((page - 1) * perPage)
	if after >= head.SequenceNumber {
		return []*ledger.Entry{}, head.SequenceNumber, nil
	}
	entries, err := s.ledger.EntriesAfter(ctx, accountID, after, perPage)
	if err != nil {
		return nil, 0, err
	}
	return entries, head.SequenceNumber, nil
}

func (s *AccountServiceImpl) VerifyChain(ctx context.Context, accountID string) (*components.ChainReport, error) {
	head, err := s.ledger.Head(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, ErrAccountNotFound
	}
	return s.ledger.Verify(ctx, accountID)
}
