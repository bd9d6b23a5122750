package orders

const (
	TopicQuotaReserved     = "quota.reserved"
	TopicQuotaRejected     = "quota.rejected"
	TopicOrderCreated      = "order.created"
	TopicOrderPaid         = "order.paid"
	TopicOrderCanceled     = "order.canceled"
	TopicPaymentAuthorized = "payment.authorized"
)

// Partition key = event_id, so everything sold for one event stays in order.
func PartitionKey(eventID string) []byte { return []byte(eventID) }
