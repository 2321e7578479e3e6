package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/theheadmen/smmbroker/internal/dbconnector"
	apperrors "github.com/theheadmen/smmbroker/internal/errors"
	"github.com/theheadmen/smmbroker/internal/models"
)

// Users covers signup and login. Sessions are issued by the server package.
type Users struct {
	store UserStore
	log   logrus.FieldLogger
}

func NewUsers(store UserStore, log logrus.FieldLogger) *Users {
	return &Users{store: store, log: log}
}

func newReferralCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// Register creates the user. A non-empty creds.Ref links the new user to the
// owner of that referral code for life.
func (u *Users) Register(ctx context.Context, creds models.Credentials) (*dbconnector.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &dbconnector.User{
		Email:        strings.ToLower(strings.TrimSpace(creds.Email)),
		Password:     string(hash),
		ReferralCode: newReferralCode(),
	}

	if ref := strings.TrimSpace(creds.Ref); ref != "" {
		var referrer dbconnector.User
		if err := u.store.GetUserByReferralCode(ctx, strings.ToUpper(ref), &referrer); err != nil {
			if errors.Is(err, apperrors.ErrUserNotFound) {
				return nil, apperrors.ErrInvalidReferralCode
			}
			return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistenceFailure, err)
		}
		user.ReferredBy = &referrer.ID
	}

	if err := u.store.AddUser(ctx, user); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyRegistered) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistenceFailure, err)
	}
	u.log.WithFields(logrus.Fields{"user_id": user.ID, "referred": user.ReferredBy != nil}).Info("user registered")
	return user, nil
}

func (u *Users) Login(ctx context.Context, creds models.Credentials) (*dbconnector.User, error) {
	var user dbconnector.User
	if err := u.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(creds.Email)), &user); err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrPersistenceFailure, err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		return nil, apperrors.ErrInvalidCredentials
	}
	return &user, nil
}

func (u *Users) Get(ctx context.Context, userID uint) (*dbconnector.User, error) {
	var user dbconnector.User
	if err := u.store.GetUserByUserID(ctx, userID, &user); err != nil {
		return nil, err
	}
	return &user, nil
}
