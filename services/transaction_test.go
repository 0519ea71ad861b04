package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/upb/llm-router/repositories"
)

// MockTransactionManager is a mock implementation of TransactionManager
type MockTransactionManager struct {
	mock.Mock
}

func (m *MockTransactionManager) Begin(ctx context.Context) (repositories.Transaction, error) {
	args := m.Called(ctx)
	if tx := args.Get(0); tx != nil {
		return tx.(repositories.Transaction), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockTransaction is a mock implementation of Transaction
type MockTransaction struct {
	mock.Mock
	committed  bool
	rolledback bool
}

func (m *MockTransaction) Commit() error {
	args := m.Called()
	m.committed = true
	return args.Error(0)
}

func (m *MockTransaction) Rollback() error {
	args := m.Called()
	m.rolledback = true
	return args.Error(0)
}

func (m *MockTransaction) Context() context.Context {
	args := m.Called()
	return args.Get(0).(context.Context)
}

func TestWithTransaction(t *testing.T) {
	opErr := errors.New("decision insert failed")

	tests := []struct {
		name         string
		beginErr     error
		fnErr        error
		commitErr    error
		rollbackErr  error
		wantErr      string
		wantCommit   bool
		wantRollback bool
	}{
		{name: "commits on success", wantCommit: true},
		{name: "rolls back on error", fnErr: opErr, wantErr: "decision insert failed", wantRollback: true},
		{name: "begin fails", beginErr: errors.New("conn refused"), wantErr: "failed to begin transaction"},
		{name: "commit fails", commitErr: errors.New("serialization"), wantErr: "failed to commit transaction", wantCommit: true},
		{name: "rollback fails", fnErr: opErr, rollbackErr: errors.New("conn lost"), wantErr: "rollback error", wantRollback: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mockTxMgr := new(MockTransactionManager)
			mockTx := new(MockTransaction)

			if tt.beginErr != nil {
				mockTxMgr.On("Begin", ctx).Return(nil, tt.beginErr)
			} else {
				mockTxMgr.On("Begin", ctx).Return(mockTx, nil)
			}
			if tt.wantCommit {
				mockTx.On("Commit").Return(tt.commitErr)
			}
			if tt.wantRollback {
				mockTx.On("Rollback").Return(tt.rollbackErr)
			}

			err := WithTransaction(ctx, mockTxMgr, func(ctx context.Context, tx repositories.Transaction) error {
				return tt.fnErr
			})

			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCommit, mockTx.committed)
			assert.Equal(t, tt.wantRollback, mockTx.rolledback)
			mockTxMgr.AssertExpectations(t)
			mockTx.AssertExpectations(t)
		})
	}
}

func TestWithTransaction_ErrorIsReturnedUnwrapped(t *testing.T) {
	ctx := context.Background()
	mockTxMgr := new(MockTransactionManager)
	mockTx := new(MockTransaction)
	mockTxMgr.On("Begin", ctx).Return(mockTx, nil)
	mockTx.On("Rollback").Return(nil)

	err := WithTransaction(ctx, mockTxMgr, func(ctx context.Context, tx repositories.Transaction) error {
		return ErrDecisionNotFound
	})
	assert.Equal(t, ErrDecisionNotFound, err)
}

func TestWithTransaction_RollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	mockTxMgr := new(MockTransactionManager)
	mockTx := new(MockTransaction)
	mockTxMgr.On("Begin", ctx).Return(mockTx, nil)
	mockTx.On("Rollback").Return(nil)

	assert.Panics(t, func() {
		_ = WithTransaction(ctx, mockTxMgr, func(ctx context.Context, tx repositories.Transaction) error {
			panic("boom")
		})
	})
	assert.True(t, mockTx.rolledback)
}

func TestWithTransaction_NilManager(t *testing.T) {
	called := false
	err := WithTransaction(context.Background(), nil, func(ctx context.Context, tx repositories.Transaction) error {
		called = true
		return nil
	})
	assert.True(t, IsUnavailableError(err))
	assert.False(t, called)
}
