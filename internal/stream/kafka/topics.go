package kafka

// Topic names shared by the producers and consumer groups.
const (
	TopicOrdersNew      = "orders-new"
	TopicPaymentOutcome = "payment-outcome"
	TopicStockOutcome   = "stock-outcome"
	TopicOrdersFinal    = "orders-final"
)
