package domain

import "fmt"

// InvalidRequestError rejects a malformed bid request before any campaign is created.
type InvalidRequestError struct {
	Field string
}

func (e InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid bid request: %s required", e.Field)
}

// InvalidRecordError marks a discovery result that cannot yield an identity.
// The record is dropped; the batch continues.
type InvalidRecordError struct {
	Reason string
}

func (e InvalidRecordError) Error() string {
	return "invalid contractor record: " + e.Reason
}

// TransportError is a transient send failure, retried within the channel budget.
type TransportError struct {
	Channel Channel
	Detail  string
}

func (e TransportError) Error() string {
	return fmt.Sprintf("%s transport: %s", e.Channel, e.Detail)
}

// PermanentTransportError ends the channel budget immediately (e.g. hard bounce).
type PermanentTransportError struct {
	Channel Channel
	Detail  string
}

func (e PermanentTransportError) Error() string {
	return fmt.Sprintf("%s transport (permanent): %s", e.Channel, e.Detail)
}

// UnknownCampaignError flags a lookup for a project no bid request was ever
// accepted for.
type UnknownCampaignError struct {
	Ref string
}

func (e UnknownCampaignError) Error() string {
	return fmt.Sprintf("no outreach found for %q", e.Ref)
}
