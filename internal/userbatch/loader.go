package userbatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const lookupErrorMessage = "Unable to get user details from server"

// LookupError reports that the remote batch fetch failed. It always carries
// the same user-facing diagnostic and unwraps to the root cause.
type LookupError struct {
	cause error
}

// Error returns the fixed diagnostic message.
func (lookupError *LookupError) Error() string {
	return lookupErrorMessage
}

// Unwrap exposes the underlying transport or decode failure.
func (lookupError *LookupError) Unwrap() error {
	return lookupError.cause
}

// Loader fetches user display records in bulk from the remote batch endpoint.
// It is stateless and safe for concurrent use.
type Loader struct {
	client *resty.Client
	logger *zap.Logger
}

// NewLoader constructs a Loader on top of a configured resty client.
func NewLoader(client *resty.Client, logger *zap.Logger) *Loader {
	if client == nil {
		panic("resty client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{client: client, logger: logger}
}

// Load fetches records for the given logins. An empty input returns no records
// without making a remote call. Records come back in arbitrary order.
func (loader *Loader) Load(ctx context.Context, logins []string) ([]UserRecord, error) {
	if len(logins) == 0 {
		return nil, nil
	}

	response, requestErr := loader.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetQueryParam("logins", strings.Join(logins, ",")).
		Get("/batch/users")
	if requestErr != nil {
		return nil, &LookupError{cause: requestErr}
	}
	body := response.RawBody()
	defer func() { _ = body.Close() }()

	if response.StatusCode() != http.StatusOK {
		return nil, &LookupError{cause: fmt.Errorf("user_batch.status: %d", response.StatusCode())}
	}

	records, readErr := ReadRecords(body)
	if readErr != nil {
		return nil, &LookupError{cause: readErr}
	}
	loader.logger.Debug("loaded user records",
		zap.Int("requested", len(logins)),
		zap.Int("returned", len(records)))
	return records, nil
}

// LoadOne fetches a single login and fails when the record is absent.
func (loader *Loader) LoadOne(ctx context.Context, login string) (UserRecord, error) {
	records, loadErr := loader.Load(ctx, []string{login})
	if loadErr != nil {
		return UserRecord{}, loadErr
	}
	for _, record := range records {
		if record.Login == login {
			return record, nil
		}
	}
	return UserRecord{}, &LookupError{cause: fmt.Errorf("user_batch.missing_login: %s", login)}
}

// Map returns records keyed by login. Logins with no matching remote record
// are absent from the result; when the stream repeats a login, the last record
// read wins.
func (loader *Loader) Map(ctx context.Context, logins []string) (map[string]UserRecord, error) {
	records, loadErr := loader.Load(ctx, logins)
	if loadErr != nil {
		return nil, loadErr
	}
	byLogin := make(map[string]UserRecord, len(records))
	for _, record := range records {
		byLogin[record.Login] = record
	}
	return byLogin, nil
}
