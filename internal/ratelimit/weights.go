package ratelimit

import (
	"net/url"
	"strconv"
)

// WeightFor returns the request weight the venue charges for one call.
// Per-symbol forms are cheap; the all-symbol forms of openOrders,
// forceOrders and ticker are the expensive ones a cascade must respect.
func WeightFor(endpoint, method string, params url.Values) int {
	switch endpoint {
	case "/fapi/v1/order":
		return 1
	case "/fapi/v1/batchOrders":
		return 5
	case "/fapi/v1/allOpenOrders":
		return 1
	case "/fapi/v1/countdownCancelAll":
		return 10
	case "/fapi/v1/openOrders":
		if params.Get("symbol") == "" {
			return 40
		}
		return 1
	case "/fapi/v1/forceOrders":
		if params.Get("symbol") == "" {
			return 50
		}
		return 20
	case "/fapi/v1/ticker/24hr":
		if params.Get("symbol") == "" {
			return 40
		}
		return 1
	case "/fapi/v1/ticker/price", "/fapi/v1/ticker/bookTicker":
		if params.Get("symbol") == "" {
			return 2
		}
		return 1
	case "/fapi/v1/premiumIndex":
		if params.Get("symbol") == "" {
			return 10
		}
		return 1
	case "/fapi/v2/positionRisk", "/fapi/v2/account", "/fapi/v2/balance":
		return 5
	case "/fapi/v1/depth":
		return depthWeight(params)
	case "/fapi/v1/klines":
		return klinesWeight(params)
	case "/fapi/v1/listenKey", "/fapi/v1/exchangeInfo", "/fapi/v1/time",
		"/fapi/v1/leverage", "/fapi/v1/marginType", "/fapi/v1/positionSide/dual",
		"/fapi/v1/multiAssetsMargin":
		return 1
	}
	return 1
}

func depthWeight(params url.Values) int {
	limit := paramInt(params, "limit", 500)
	switch {
	case limit <= 50:
		return 2
	case limit <= 100:
		return 5
	case limit <= 500:
		return 10
	default:
		return 20
	}
}

func klinesWeight(params url.Values) int {
	limit := paramInt(params, "limit", 500)
	switch {
	case limit < 100:
		return 1
	case limit < 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

func paramInt(params url.Values, key string, def int) int {
	v := params.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
