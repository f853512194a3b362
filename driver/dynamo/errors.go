package dynamo

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/cockroachdb/errors"

	"github.com/jacentio/doccontext/driver"
)

var (
	// ErrTooManyWrites is returned when a transaction needs more transact
	// items than DynamoDB accepts in one request.
	ErrTooManyWrites = errors.New("doccontext: transaction exceeds 100 DynamoDB items")

	errForeignSession = errors.New("doccontext: session belongs to another client")
)

func conflict(err error) error {
	return driver.WithLabels(errors.Mark(err, driver.ErrWriteConflict), driver.TransientTransactionError)
}

// mapTransactionError maps DynamoDB TransactWriteItems errors. kinds holds
// the kind of each transact item in request order. commit marks the request
// as a transaction commit, whose outcome can be unknown.
func mapTransactionError(err error, kinds []itemKind, commit bool) error {
	if err == nil {
		return nil
	}

	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil {
				continue
			}
			switch *reason.Code {
			case "ConditionalCheckFailed":
				if i < len(kinds) && kinds[i] == kindVersioned {
					return conflict(err)
				}
				// Must be a create or a unique index entry.
				return errors.Mark(err, driver.ErrDuplicateKey)
			case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
				return conflict(err)
			}
		}
		return err
	}

	var txConflict *types.TransactionConflictException
	if errors.As(err, &txConflict) {
		return conflict(err)
	}

	if commit {
		var inProgress *types.TransactionInProgressException
		var internal *types.InternalServerError
		if errors.As(err, &inProgress) || errors.As(err, &internal) {
			return driver.WithLabels(err, driver.UnknownTransactionCommitResult)
		}
	}
	return err
}
