package notify

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Languages supported by the template tables. Every catalog entry carries all
// of them; interpolation produces all languages in one pass.
var Languages = []string{"en", "es", "fr"}

// interpolate substitutes {field} placeholders from data. Unknown fields
// substitute the empty string so no raw placeholder ever reaches a client;
// each one is reported through the logger once per call.
func interpolate(template string, data map[string]any, logger zerolog.Logger) string {
	var b strings.Builder
	b.Grow(len(template))

	for {
		open := strings.IndexByte(template, '{')
		if open < 0 {
			b.WriteString(template)
			break
		}
		close := strings.IndexByte(template[open:], '}')
		if close < 0 {
			b.WriteString(template)
			break
		}
		close += open

		b.WriteString(template[:open])
		field := template[open+1 : close]
		if v, ok := data[field]; ok {
			b.WriteString(fmt.Sprintf("%v", v))
		} else {
			logger.Warn().Str("field", field).Msg("Template field missing from event data")
		}
		template = template[close+1:]
	}
	return b.String()
}

// render interpolates one catalog entry for every supported language.
func render(entry catalogEntry, data map[string]any, logger zerolog.Logger) map[string]LocalizedText {
	out := make(map[string]LocalizedText, len(entry.templates))
	for lang, t := range entry.templates {
		out[lang] = LocalizedText{
			Title: interpolate(t.Title, data, logger),
			Body:  interpolate(t.Body, data, logger),
		}
	}
	return out
}

func consumerCatalog() map[EventType]catalogEntry {
	return map[EventType]catalogEntry{
		EventOrderConfirmed: {
			priority: PriorityHigh, sound: "order_update", vibrate: true,
			templates: map[string]LocalizedText{
				"en": {"Order confirmed", "{storeName} confirmed your order #{orderId}"},
				"es": {"Pedido confirmado", "{storeName} confirmó tu pedido #{orderId}"},
				"fr": {"Commande confirmée", "{storeName} a confirmé votre commande n°{orderId}"},
			},
		},
		EventOrderPreparing: {
			priority: PriorityMedium, sound: "order_update", vibrate: false,
			templates: map[string]LocalizedText{
				"en": {"Order in preparation", "{storeName} is preparing your order #{orderId}"},
				"es": {"Pedido en preparación", "{storeName} está preparando tu pedido #{orderId}"},
				"fr": {"Commande en préparation", "{storeName} prépare votre commande n°{orderId}"},
			},
		},
		EventOrderReady: {
			priority: PriorityHigh, sound: "order_ready", vibrate: true,
			templates: map[string]LocalizedText{
				"en": {"Order ready", "Your order #{orderId} is ready for pickup"},
				"es": {"Pedido listo", "Tu pedido #{orderId} está listo para recoger"},
				"fr": {"Commande prête", "Votre commande n°{orderId} est prête"},
			},
		},
		EventOrderPickedUp: {
			priority: PriorityMedium, sound: "order_update", vibrate: false,
			templates: map[string]LocalizedText{
				"en": {"Order on the way", "Your order #{orderId} was picked up by the courier"},
				"es": {"Pedido en camino", "El repartidor recogió tu pedido #{orderId}"},
				"fr": {"Commande en route", "Le livreur a récupéré votre commande n°{orderId}"},
			},
		},
		EventOrderDelivered: {
			priority: PriorityHigh, sound: "order_delivered", vibrate: true,
			templates: map[string]LocalizedText{
				"en": {"Order delivered", "Your order #{orderId} was delivered. Enjoy!"},
				"es": {"Pedido entregado", "Tu pedido #{orderId} fue entregado. ¡Disfruta!"},
				"fr": {"Commande livrée", "Votre commande n°{orderId} a été livrée. Bon appétit !"},
			},
		},
		EventOrderCancelled: {
			priority: PriorityUrgent, sound: "order_cancelled", vibrate: true,
			templates: map[string]LocalizedText{
				"en": {"Order cancelled", "Your order #{orderId} was cancelled"},
				"es": {"Pedido cancelado", "Tu pedido #{orderId} fue cancelado"},
				"fr": {"Commande annulée", "Votre commande n°{orderId} a été annulée"},
			},
		},
		EventPaymentReceived: {
			priority: PriorityMedium, sound: "payment", vibrate: false,
			templates: map[string]LocalizedText{
				"en": {"Payment received", "Payment of {amount} for order #{orderId} was received"},
				"es": {"Pago recibido", "Se recibió el pago de {amount} por el pedido #{orderId}"},
				"fr": {"Paiement reçu", "Le paiement de {amount} pour la commande n°{orderId} a été reçu"},
			},
		},
		EventPaymentFailed: {
			priority: PriorityUrgent, sound: "payment_failed", vibrate: true,
			templates: map[string]LocalizedText{
				"en": {"Payment failed", "Payment for order #{orderId} failed. Please try again"},
				"es": {"Pago fallido", "El pago del pedido #{orderId} falló. Inténtalo de nuevo"},
				"fr": {"Échec du paiement", "Le paiement de la commande n°{orderId} a échoué. Veuillez réessayer"},
			},
		},
		EventDeliveryLocation: {
			priority: PriorityLow, sound: "", vibrate: false,
			templates: map[string]LocalizedText{
				"en": {"Courier update", "Your courier location was updated"},
				"es": {"Actualización del repartidor", "Se actualizó la ubicación de tu repartidor"},
				"fr": {"Mise à jour du livreur", "La position de votre livreur a été mise à jour"},
			},
		},
		EventChatMessage: {
			priority: PriorityHigh, sound: "chat", vibrate: true,
			templates: map[string]LocalizedText{
				"en": {"New message", "{senderName}: {preview}"},
				"es": {"Nuevo mensaje", "{senderName}: {preview}"},
				"fr": {"Nouveau message", "{senderName} : {preview}"},
			},
		},
	}
}

func merchantCatalog() map[EventType]catalogEntry {
	return map[EventType]catalogEntry{
		EventNewOrder: {
			priority: PriorityUrgent, sound: "new_order", vibrate: true,
			templates: map[string]LocalizedText{
				"en": {"New order", "New order #{orderId} from {customerName}"},
				"es": {"Nuevo pedido", "Nuevo pedido #{orderId} de {customerName}"},
				"fr": {"Nouvelle commande", "Nouvelle commande n°{orderId} de {customerName}"},
			},
		},
		EventOrderCancelledByCustomer: {
			priority: PriorityHigh, sound: "order_cancelled", vibrate: true,
			templates: map[string]LocalizedText{
				"en": {"Order cancelled", "Order #{orderId} was cancelled by the customer"},
				"es": {"Pedido cancelado", "El cliente canceló el pedido #{orderId}"},
				"fr": {"Commande annulée", "La commande n°{orderId} a été annulée par le client"},
			},
		},
		EventPaymentReceived: {
			priority: PriorityMedium, sound: "payment", vibrate: false,
			templates: map[string]LocalizedText{
				"en": {"Payment received", "Payment of {amount} received for order #{orderId}"},
				"es": {"Pago recibido", "Pago de {amount} recibido por el pedido #{orderId}"},
				"fr": {"Paiement reçu", "Paiement de {amount} reçu pour la commande n°{orderId}"},
			},
		},
		EventChatMessage: {
			priority: PriorityHigh, sound: "chat", vibrate: true,
			templates: map[string]LocalizedText{
				"en": {"New message", "{senderName}: {preview}"},
				"es": {"Nuevo mensaje", "{senderName}: {preview}"},
				"fr": {"Nouveau message", "{senderName} : {preview}"},
			},
		},
		EventLowStock: {
			priority: PriorityMedium, sound: "", vibrate: false,
			templates: map[string]LocalizedText{
				"en": {"Low stock", "{productName} is running low ({remaining} left)"},
				"es": {"Existencias bajas", "Quedan pocas unidades de {productName} ({remaining} restantes)"},
				"fr": {"Stock faible", "Le stock de {productName} est bas ({remaining} restants)"},
			},
		},
		EventPayoutCompleted: {
			priority: PriorityLow, sound: "", vibrate: false,
			templates: map[string]LocalizedText{
				"en": {"Payout completed", "Your payout of {amount} was completed"},
				"es": {"Transferencia completada", "Tu transferencia de {amount} se completó"},
				"fr": {"Virement effectué", "Votre virement de {amount} a été effectué"},
			},
		},
	}
}
