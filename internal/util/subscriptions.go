package util

import (
	"fmt"

	"github.com/grassrootseconomics/eth-store/pkg/jsonrpc"
	"github.com/knadh/koanf/v2"
)

const subscriptionsKey = "subscriptions"

// LoadSubscriptions reads the [subscriptions.<key>] tables of the configuration:
//
//	[subscriptions.myBalance]
//	method = "eth_getBalance"
//	params = ["0x86ccA572d34400ce20e7a44Fb970496ABA221253", "latest"]
func LoadSubscriptions(ko *koanf.Koanf) (map[string]jsonrpc.Request, error) {
	subs := make(map[string]jsonrpc.Request)

	for _, key := range ko.MapKeys(subscriptionsKey) {
		path := subscriptionsKey + "." + key

		method := ko.String(path + ".method")
		if method == "" {
			return nil, fmt.Errorf("subscription %q: method is required", key)
		}

		var params []any
		if raw := ko.Get(path + ".params"); raw != nil {
			list, ok := raw.([]interface{})
			if !ok {
				return nil, fmt.Errorf("subscription %q: params must be an array, got %T", key, raw)
			}
			params = list
		}

		subs[key] = jsonrpc.Request{
			Method: method,
			Params: params,
		}
	}

	return subs, nil
}
