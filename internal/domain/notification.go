package domain

// NotificationType identifies a tenant-facing billing notification.
type NotificationType string

const (
	NotificationPaymentFailedWarning  NotificationType = "payment_failed_warning"
	NotificationSubscriptionSuspended NotificationType = "subscription_suspended"
	NotificationSubscriptionCancelled NotificationType = "subscription_cancelled"
	NotificationPaymentRecovered      NotificationType = "payment_recovered"
	NotificationTrialStarted          NotificationType = "trial_started"
	NotificationTrialConverted        NotificationType = "trial_converted"
	NotificationTrialCancelled        NotificationType = "trial_cancelled"
	NotificationTrialExpired          NotificationType = "trial_expired"
	NotificationTrialExtended         NotificationType = "trial_extended"
	NotificationTrialEndingSoon       NotificationType = "trial_ending_soon"
)

// AllNotificationTypes lists every notification the billing engine emits.
var AllNotificationTypes = []NotificationType{
	NotificationPaymentFailedWarning,
	NotificationSubscriptionSuspended,
	NotificationSubscriptionCancelled,
	NotificationPaymentRecovered,
	NotificationTrialStarted,
	NotificationTrialConverted,
	NotificationTrialCancelled,
	NotificationTrialExpired,
	NotificationTrialExtended,
	NotificationTrialEndingSoon,
}
