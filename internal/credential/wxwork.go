package credential

import (
	"errors"

	"wxnotice/internal/wxwork"
)

// WXWorkFactory builds wxwork clients. Direct clients use the corp
// application, tenant clients the third-party suite.
type WXWorkFactory struct {
	Transport *wxwork.Transport

	CorpID      string
	CorpSecret  string
	CorpAgentID string

	SuiteID      string
	SuiteSecret  string
	SuiteAgentID string
}

var _ Factory = WXWorkFactory{}

func (f WXWorkFactory) Direct() (Client, error) {
	if f.CorpID == "" || f.CorpSecret == "" {
		return nil, errors.New("wxwork.corp is not configured")
	}
	return wxwork.NewCorpClient(f.Transport, f.CorpID, f.CorpSecret, f.CorpAgentID), nil
}

func (f WXWorkFactory) Tenant(tenantID, permanentCode, suiteTicket string) (Client, error) {
	if f.SuiteID == "" || f.SuiteSecret == "" {
		return nil, errors.New("wxwork.suite is not configured")
	}
	suite := wxwork.Suite{ID: f.SuiteID, Secret: f.SuiteSecret, Ticket: suiteTicket}
	return wxwork.NewSuiteClient(f.Transport, suite, tenantID, permanentCode, f.SuiteAgentID), nil
}
