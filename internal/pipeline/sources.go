package pipeline

import (
	"github.com/champion-data/champion/internal/fetch"
)

// Source binds a downloadable bulletin to its parser tag and dataset family.
// The parser tag equals the descriptor name; the parse registry resolves it.
type Source struct {
	Descriptor fetch.Descriptor
	Dataset    string
}

// Exchange publishing endpoints. URL templates carry a {date} token; formats
// follow each exchange's archive naming.
var defaultSources = map[string][]Source{
	"daily_bhavcopy": {
		{
			Descriptor: fetch.Descriptor{
				Name:        "nse_cm_bhavcopy",
				URLTemplate: "https://archives.nseindia.com/content/cm/BhavCopy_NSE_CM_0_0_0_{date}_F_0000.csv.zip",
				DateFormat:  "YYYYMMDD",
				MediaType:   fetch.MediaCSVZip,
				Host:        "archives.nseindia.com",
				FilePattern: `(?i)\.csv$`,
			},
			Dataset: "equity_ohlc",
		},
		{
			Descriptor: fetch.Descriptor{
				Name:        "bse_eq_bhavcopy",
				URLTemplate: "https://www.bseindia.com/download/BhavCopy/Equity/EQ_ISINCODE_{date}.zip",
				DateFormat:  "DDMMYY",
				MediaType:   fetch.MediaCSVZip,
				Host:        "www.bseindia.com",
				FilePattern: `(?i)\.csv$`,
			},
			Dataset: "equity_ohlc",
		},
	},
	"corporate_actions": {
		{
			Descriptor: fetch.Descriptor{
				Name:        "nse_corporate_actions",
				URLTemplate: "https://archives.nseindia.com/content/equities/CA_{date}.csv",
				DateFormat:  "DDMMYY",
				MediaType:   fetch.MediaCSV,
				Host:        "archives.nseindia.com",
			},
			Dataset: "corporate_actions",
		},
	},
	"index_constituents": {
		{
			Descriptor: fetch.Descriptor{
				Name:        "nse_index_constituents",
				URLTemplate: "https://archives.nseindia.com/content/indices/ind_nifty50list_{date}.csv",
				DateFormat:  "YYYY-MM-DD",
				MediaType:   fetch.MediaCSV,
				Host:        "archives.nseindia.com",
			},
			Dataset: "index_constituents",
		},
	},
	"trading_calendar": {
		{
			Descriptor: fetch.Descriptor{
				Name:        "exchange_trading_calendar",
				URLTemplate: "https://archives.nseindia.com/content/circulars/trading_calendar_{date}.csv",
				DateFormat:  "YYYY-MM-DD",
				MediaType:   fetch.MediaCSV,
				Host:        "archives.nseindia.com",
			},
			Dataset: "trading_calendar",
		},
	},
	"symbol_master": {
		{
			Descriptor: fetch.Descriptor{
				Name:        "nse_symbol_master",
				URLTemplate: "https://archives.nseindia.com/content/equities/EQUITY_L_{date}.csv",
				DateFormat:  "YYYY-MM-DD",
				MediaType:   fetch.MediaCSV,
				Host:        "archives.nseindia.com",
			},
			Dataset: "symbol_master",
		},
	},
	"bulk_deals": {
		{
			Descriptor: fetch.Descriptor{
				Name:        "nse_bulk_deals",
				URLTemplate: "https://archives.nseindia.com/content/equities/bulk_{date}.csv",
				DateFormat:  "DDMMYY",
				MediaType:   fetch.MediaCSV,
				Host:        "archives.nseindia.com",
			},
			Dataset: "bulk_deals",
		},
	},
	"quarterly_financials": {
		{
			Descriptor: fetch.Descriptor{
				Name:        "nse_quarterly_financials",
				URLTemplate: "https://archives.nseindia.com/corporate/xbrl/results_{date}.xml",
				DateFormat:  "YYYY-MM-DD",
				MediaType:   fetch.MediaCSV,
				Host:        "archives.nseindia.com",
			},
			Dataset: "quarterly_financials",
		},
	},
	"macro_indicators": {
		{
			Descriptor: fetch.Descriptor{
				Name:        "macro_indicators",
				URLTemplate: "https://archives.nseindia.com/content/macro/indicators_{date}.csv",
				DateFormat:  "YYYY-MM-DD",
				MediaType:   fetch.MediaCSV,
				Host:        "archives.nseindia.com",
			},
			Dataset: "macro_indicators",
		},
	},
}

// FlowNames lists every registered standard flow, stable order.
func FlowNames() []string {
	return []string{
		"daily_bhavcopy",
		"corporate_actions",
		"index_constituents",
		"trading_calendar",
		"symbol_master",
		"bulk_deals",
		"quarterly_financials",
		"macro_indicators",
		"adjusted_ohlc",
	}
}
