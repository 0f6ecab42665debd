package stream

import (
	apperrors "paper-trader/internal/errors"
	"paper-trader/internal/models"
)

// MessageType names an outbound or inbound stream event.
type MessageType string

const (
	MessageMarketData    MessageType = "market_data"
	MessageOrderUpdate   MessageType = "order_update"
	MessageOrderResponse MessageType = "order_response"
	MessageOrderError    MessageType = "order_error"
)

// Message is the envelope written to a connection.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

// ErrorPayload is the body of an order_error message.
type ErrorPayload struct {
	Code  apperrors.Code `json:"code"`
	Error string         `json:"error"`
	// Ref echoes the client's request reference when one was supplied.
	Ref string `json:"ref,omitempty"`
}

// MarketDataMessage wraps a tick.
func MarketDataMessage(tick models.Tick) Message {
	return Message{Type: MessageMarketData, Data: tick}
}

// OrderUpdateMessage wraps an order lifecycle event.
func OrderUpdateMessage(update models.OrderUpdate) Message {
	return Message{Type: MessageOrderUpdate, Data: update}
}

// ResponsePayload is the body of an order_response message.
type ResponsePayload struct {
	Ref   string        `json:"ref,omitempty"`
	Order *models.Order `json:"order"`
}

// OrderResponseMessage is the direct reply to a successful order request.
func OrderResponseMessage(order *models.Order, ref string) Message {
	return Message{Type: MessageOrderResponse, Data: ResponsePayload{Ref: ref, Order: order}}
}

// OrderErrorMessage converts err into an order_error message.
func OrderErrorMessage(err error, ref string) Message {
	return Message{Type: MessageOrderError, Data: ErrorPayload{
		Code:  apperrors.CodeOf(err),
		Error: err.Error(),
		Ref:   ref,
	}}
}
