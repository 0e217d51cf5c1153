package sync

// appProfileModels fixes which upstream models each client app profile cares
// about. A pull without an explicit model filter uses its profile's set.
var appProfileModels = map[string][]string{
	"sales_app": {
		"sale.order",
		"sale.order.line",
		"res.partner",
		"product.template",
		"product.product",
		"product.category",
	},
	"delivery_app": {
		"stock.picking",
		"stock.move",
		"stock.move.line",
		"res.partner",
	},
	"warehouse_app": {
		"stock.picking",
		"stock.move",
		"stock.move.line",
		"stock.quant",
		"product.product",
		"stock.location",
	},
	"manager_app": {
		"sale.order",
		"purchase.order",
		"account.move",
		"res.partner",
		"hr.expense",
		"project.project",
	},
	"mobile_app": {
		"sale.order",
		"res.partner",
		"product.template",
		"product.product",
	},
}

// ProfileModels returns the model set for an app profile, or nil when the
// profile is unknown (meaning: no profile-based filtering).
func ProfileModels(profile string) []string {
	return appProfileModels[profile]
}

// KnownProfile reports whether the app profile has a fixed model set.
func KnownProfile(profile string) bool {
	_, ok := appProfileModels[profile]
	return ok
}
