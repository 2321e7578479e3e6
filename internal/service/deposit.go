package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/models"
)

const DefaultDepositMinimum = 1000

// Deposits takes verified payment events from the payment provider webhook.
type Deposits struct {
	store     DepositStore
	affiliate *Affiliate
	minimum   int64
	log       logrus.FieldLogger
}

func NewDeposits(store DepositStore, affiliate *Affiliate, minimum int64, log logrus.FieldLogger) *Deposits {
	return &Deposits{store: store, affiliate: affiliate, minimum: minimum, log: log}
}

// Handle credits the deposit once per reference and grants the referral
// reward. A repeated event returns ErrDuplicateDeposit after retrying the
// reward, so a webhook redelivered because the reward failed still completes.
func (d *Deposits) Handle(ctx context.Context, event models.DepositEvent) (*dbconnector.Deposit, error) {
	if event.Amount < d.minimum {
		return nil, fmt.Errorf("%w: minimum is %d", apperrors.ErrDepositTooSmall, d.minimum)
	}

	deposit := &dbconnector.Deposit{
		UserID:    event.UserID,
		Amount:    event.Amount,
		Reference: event.Reference,
		Source:    event.Source,
	}
	log := d.log.WithFields(logrus.Fields{
		"user_id":   event.UserID,
		"amount":    event.Amount,
		"reference": event.Reference,
	})

	duplicate := false
	if err := d.store.RecordDeposit(ctx, deposit); err != nil {
		if !errors.Is(err, apperrors.ErrDuplicateDeposit) {
			if errors.Is(err, apperrors.ErrUserNotFound) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: record deposit: %v", apperrors.ErrPersistenceFailure, err)
		}
		if err := d.store.GetDepositByReference(ctx, event.Reference, deposit); err != nil {
			return nil, fmt.Errorf("%w: load deposit: %v", apperrors.ErrPersistenceFailure, err)
		}
		duplicate = true
	} else {
		log.Info("deposit credited")
	}

	if _, err := d.affiliate.GrantReward(ctx, deposit.UserID, deposit.Amount, &deposit.ID); err != nil {
		log.WithError(err).Error("failed to grant affiliate reward")
		return deposit, err
	}

	if duplicate {
		return deposit, apperrors.ErrDuplicateDeposit
	}
	return deposit, nil
}
