package provider

import "context"

// Kind identifies a concrete marketing platform.
type Kind string

const (
	KindBraze    Kind = "braze"
	KindSailthru Kind = "sailthru"
)

func (k Kind) String() string { return string(k) }

// Attachment is a file reference sent alongside an email.
type Attachment struct {
	FileName string `json:"file_name"`
	URL      string `json:"url"`
}

// SendRequest is the provider-agnostic description of one outbound message.
// Subject/Body address platforms that take rendered content; Template and
// TemplateVars address platforms that render server-side. CampaignID is a
// routing hint for campaign-triggered sends.
type SendRequest struct {
	Recipients   []string
	Subject      string
	Body         string
	SenderAlias  string
	ReplyTo      string
	Attachments  []Attachment
	CampaignID   string
	Template     string
	TemplateVars map[string]any
}

// Outcome is the result of a successful provider send. Failed sends are
// reported through *Error, which carries the provider-native code, message
// and status class.
type Outcome struct {
	Success    bool
	DispatchID string
	StatusCode int
}

// DeliveryClient is the uniform capability set implemented once per
// platform. ExternalID is only meaningful for platforms that distinguish
// anonymous and durable recipient profiles; the others return empty.
type DeliveryClient interface {
	Send(ctx context.Context, req SendRequest) (*Outcome, error)
	DidBounce(ctx context.Context, email string) (bool, error)
	ExternalID(ctx context.Context, email string) (string, error)
}

// CampaignSender is the optional capability of platforms that can deliver
// through an API-triggered campaign. Outcomes are keyed by recipient email.
type CampaignSender interface {
	SendCampaign(ctx context.Context, req SendRequest) (map[string]*Outcome, error)
}
