package models

// All lists every table managed by db.Migrate.
func All() []interface{} {
	return []interface{}{
		&WebhookEvent{},
		&GatewayConfig{},
		&Channel{},
		&PaymentTransaction{},
		&Customer{},
		&Conversation{},
		&Message{},
		&AutomationRule{},
		&AutomationEvent{},
		&SalesRecord{},
		&Subscription{},
	}
}
