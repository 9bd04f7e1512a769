package service

import (
	"errors"

	"github.com/xela07ax/agentgw/internal/policy"
)

// ErrInvalidInput: запрос оператора некорректен и не дошел до хранилища.
var ErrInvalidInput = errors.New("invalid input")

// ValidationError несет постатейный результат проверки спецификации политики.
type ValidationError struct {
	Result policy.ValidationResult
}

func (e *ValidationError) Error() string { return e.Result.Err().Error() }

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }
