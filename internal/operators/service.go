// Package operators реализует регистрацию и аутентификацию операторов кассы.
package operators

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/wanjala/till-system/internal/model"
)

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Repository описывает контракт доступа к данным операторов.
type Repository interface {
	CreateOperator(ctx context.Context, login string, passwordHash []byte) (int64, error)
	GetOperatorByLogin(ctx context.Context, login string) (*model.Operator, error)
}

// Service содержит логику учётных записей операторов.
type Service struct {
	repo Repository
}

// NewService создаёт сервис операторов с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Register регистрирует нового оператора.
func (s *Service) Register(ctx context.Context, login, password string) (int64, error) {
	hashed := hashPassword(login, password)
	return s.repo.CreateOperator(ctx, login, hashed)
}

// Authenticate проверяет логин и пароль оператора и возвращает его идентификатор.
func (s *Service) Authenticate(ctx context.Context, login, password string) (int64, error) {
	op, err := s.repo.GetOperatorByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(op.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return op.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}
