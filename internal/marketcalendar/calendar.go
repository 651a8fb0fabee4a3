// Package marketcalendar implements the single NSE/Asia-Kolkata trading
// calendar this pipeline trades against (spec §1, §6).
package marketcalendar

import (
	"time"

	"github.com/rs/zerolog"
)

// TradingWindow is a single open/close period within a trading day.
type TradingWindow struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
}

// NSECalendar is the Asia/Kolkata equities session calendar: Mon-Fri
// 09:15-15:30 IST, with a fixed 2026 holiday list.
type NSECalendar struct {
	Timezone       *time.Location
	TradingWindow  TradingWindow
	Holidays2026   []time.Time
	log            zerolog.Logger
}

// New builds the NSE calendar, loading Asia/Kolkata.
func New(log zerolog.Logger) *NSECalendar {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		log.Warn().Err(err).Msg("failed to load Asia/Kolkata, falling back to fixed +05:30 offset")
		loc = time.FixedZone("IST", 5*3600+30*60)
	}

	return &NSECalendar{
		Timezone: loc,
		TradingWindow: TradingWindow{
			OpenHour: 9, OpenMinute: 15,
			CloseHour: 15, CloseMinute: 30,
		},
		Holidays2026: []time.Time{
			time.Date(2026, 1, 26, 0, 0, 0, 0, loc), // Republic Day
			time.Date(2026, 3, 4, 0, 0, 0, 0, loc),  // Holi
			time.Date(2026, 4, 3, 0, 0, 0, 0, loc),  // Good Friday
			time.Date(2026, 5, 1, 0, 0, 0, 0, loc),  // Maharashtra Day
			time.Date(2026, 8, 15, 0, 0, 0, 0, loc), // Independence Day
			time.Date(2026, 10, 2, 0, 0, 0, 0, loc), // Gandhi Jayanti
			time.Date(2026, 11, 9, 0, 0, 0, 0, loc), // Diwali
			time.Date(2026, 12, 25, 0, 0, 0, 0, loc), // Christmas
		},
		log: log.With().Str("component", "market_calendar").Logger(),
	}
}

// IsMarketOpen checks whether the NSE equities session is open at ts.
func (c *NSECalendar) IsMarketOpen(ts time.Time) bool {
	local := ts.In(c.Timezone)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Timezone)
	for _, h := range c.Holidays2026 {
		if h.Equal(today) {
			return false
		}
	}
	minutes := local.Hour()*60 + local.Minute()
	open := c.TradingWindow.OpenHour*60 + c.TradingWindow.OpenMinute
	closeM := c.TradingWindow.CloseHour*60 + c.TradingWindow.CloseMinute
	return minutes >= open && minutes < closeM
}

// SessionStart truncates ts to the start of its Asia/Kolkata trading
// day (00:00 IST) — the boundary the DAILY candle and signal
// TradingDay fields use (spec §4.3, §6 "Asia/Kolkata trading-day
// extraction").
func (c *NSECalendar) SessionStart(ts time.Time) time.Time {
	local := ts.In(c.Timezone)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Timezone)
}

// TradingDay returns the Asia/Kolkata calendar date string (YYYY-MM-DD)
// ts falls on — used by the Signal dedupe key's TradingDay field.
func (c *NSECalendar) TradingDay(ts time.Time) string {
	return c.SessionStart(ts).Format("2006-01-02")
}

// SessionClose returns the end-of-session timestamp for the trading
// day containing ts.
func (c *NSECalendar) SessionClose(ts time.Time) time.Time {
	local := ts.In(c.Timezone)
	return time.Date(local.Year(), local.Month(), local.Day(), c.TradingWindow.CloseHour, c.TradingWindow.CloseMinute, 0, 0, c.Timezone)
}
