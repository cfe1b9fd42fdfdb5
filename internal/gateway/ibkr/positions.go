package ibkr

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"possync/internal/gateway/broker"
	"possync/internal/types"

	"github.com/tidwall/gjson"
)

// The portfolio endpoint pages at 100 rows.
const positionsPageSize = 100

// Positions lists every open position of the account, following pages.
func (c *Client) Positions(ctx context.Context) ([]broker.BrokerPosition, error) {
	if c.accountID == "" {
		return nil, fmt.Errorf("broker.account_id 未配置")
	}
	var out []broker.BrokerPosition
	for page := 0; ; page++ {
		res, err := c.get(ctx, "positions", fmt.Sprintf("/portfolio/%s/positions/%d", url.PathEscape(c.accountID), page), nil)
		if err != nil {
			return nil, err
		}
		rows := res.Array()
		now := c.nowFn()
		for _, row := range rows {
			pos := parsePosition(row, now)
			if pos.Contract.ID == "" || pos.Quantity == 0 {
				continue
			}
			out = append(out, pos)
		}
		if len(rows) < positionsPageSize {
			break
		}
	}
	return out, nil
}

// FetchCurrent builds a full snapshot from the account position and a market
// data snapshot. The first snapshot request for a conid only primes the
// gateway and comes back without fields; that case surfaces as a retryable
// not-subscribed error.
func (c *Client) FetchCurrent(ctx context.Context, contract types.Contract) (types.PositionSnapshot, error) {
	pos, err := c.position(ctx, contract)
	if err != nil {
		return types.PositionSnapshot{}, err
	}
	md, err := c.marketSnapshot(ctx, contract.ID)
	if err != nil {
		return types.PositionSnapshot{}, err
	}
	if !md.hasPrice {
		return types.PositionSnapshot{}, broker.NewError("snapshot", broker.CodeNotSubscribed, "market data not yet available for "+contract.ID)
	}
	ts := md.updated
	if ts.IsZero() {
		ts = c.nowFn()
	}
	return buildSnapshot(pos, md, ts, types.SourceBatch), nil
}

func (c *Client) position(ctx context.Context, contract types.Contract) (broker.BrokerPosition, error) {
	if c.accountID == "" {
		return broker.BrokerPosition{}, fmt.Errorf("broker.account_id 未配置")
	}
	res, err := c.get(ctx, "position", fmt.Sprintf("/portfolio/%s/position/%s", url.PathEscape(c.accountID), url.PathEscape(contract.ID)), nil)
	if err != nil {
		return broker.BrokerPosition{}, err
	}
	now := c.nowFn()
	for _, row := range res.Array() {
		pos := parsePosition(row, now)
		if pos.Contract.ID == contract.ID {
			return mergeContract(pos, contract), nil
		}
	}
	// A flat position is still a valid observation: quantity 0.
	return broker.BrokerPosition{Contract: contract, ReportedAt: now}, nil
}

func (c *Client) marketSnapshot(ctx context.Context, conid string) (marketData, error) {
	q := url.Values{}
	q.Set("conids", conid)
	q.Set("fields", strings.Join(snapshotFields, ","))
	res, err := c.get(ctx, "snapshot", "/iserver/marketdata/snapshot", q)
	if err != nil {
		return marketData{}, err
	}
	for _, row := range res.Array() {
		if row.Get("conid").String() == conid || row.Get("conidEx").String() == conid {
			return parseMarketData(row), nil
		}
	}
	return marketData{}, broker.NewError("snapshot", broker.CodeNoSecurityDef, "no security definition has been found for "+conid)
}

func parsePosition(row gjson.Result, now time.Time) broker.BrokerPosition {
	symbol := row.Get("undSym").String()
	if symbol == "" {
		symbol = row.Get("ticker").String()
	}
	if symbol == "" {
		if parts := strings.Fields(row.Get("contractDesc").String()); len(parts) > 0 {
			symbol = parts[0]
		}
	}
	contract := types.Contract{
		ID:         row.Get("conid").String(),
		Symbol:     strings.ToUpper(symbol),
		Right:      types.ParseRight(row.Get("putOrCall").String()),
		Strike:     parseNumber(row.Get("strike").String()),
		Expiry:     parseExpiry(row.Get("expiry").String()),
		Multiplier: row.Get("multiplier").Float(),
	}
	return broker.BrokerPosition{
		Contract:    contract,
		Quantity:    row.Get("position").Float(),
		AvgCost:     row.Get("avgCost").Float(),
		MarketPrice: row.Get("mktPrice").Float(),
		ReportedAt:  now,
	}
}

// mergeContract keeps the registered terms where the gateway left gaps.
func mergeContract(pos broker.BrokerPosition, known types.Contract) broker.BrokerPosition {
	c := pos.Contract
	if c.Symbol == "" {
		c.Symbol = known.Symbol
	}
	if c.Right == "" {
		c.Right = known.Right
	}
	if c.Strike == 0 {
		c.Strike = known.Strike
	}
	if c.Expiry.IsZero() {
		c.Expiry = known.Expiry
	}
	if c.Multiplier == 0 {
		c.Multiplier = known.Multiplier
	}
	pos.Contract = c
	return pos
}

type marketData struct {
	price      float64
	hasPrice   bool
	greeks     types.Greeks
	impliedVol float64
	updated    time.Time
}

func parseMarketData(row gjson.Result) marketData {
	var md marketData
	md.merge(row)
	return md
}

// merge applies the fields present in row; streaming ticks are partial.
func (md *marketData) merge(row gjson.Result) {
	if v := row.Get(fieldLast); v.Exists() {
		if p := parseNumber(v.String()); p > 0 {
			md.price = p
			md.hasPrice = true
		}
	}
	if v := row.Get(fieldDelta); v.Exists() {
		md.greeks.Delta = parseNumber(v.String())
	}
	if v := row.Get(fieldGamma); v.Exists() {
		md.greeks.Gamma = parseNumber(v.String())
	}
	if v := row.Get(fieldTheta); v.Exists() {
		md.greeks.Theta = parseNumber(v.String())
	}
	if v := row.Get(fieldVega); v.Exists() {
		md.greeks.Vega = parseNumber(v.String())
	}
	if v := row.Get(fieldImplVol); v.Exists() {
		md.impliedVol = parsePercent(v.String())
	}
	if ms := row.Get("_updated").Int(); ms > 0 {
		md.updated = time.UnixMilli(ms).UTC()
	}
}

func buildSnapshot(pos broker.BrokerPosition, md marketData, ts time.Time, src types.SnapshotSource) types.PositionSnapshot {
	c := pos.Contract
	price := md.price
	if !md.hasPrice {
		price = pos.MarketPrice
	}
	// IB reports avgCost per contract including the multiplier.
	unrealized := price*c.ContractMultiplier()*pos.Quantity - pos.AvgCost*pos.Quantity
	return types.PositionSnapshot{
		ContractID:    c.ID,
		Symbol:        c.Symbol,
		Right:         c.Right,
		Strike:        c.Strike,
		Expiry:        c.Expiry,
		Quantity:      pos.Quantity,
		AvgCost:       pos.AvgCost,
		MarketPrice:   price,
		UnrealizedPnL: unrealized,
		Greeks:        md.greeks,
		ImpliedVol:    md.impliedVol,
		Timestamp:     ts,
		Source:        src,
	}
}

// parseNumber strips the C (prior close) and H (halted) markers the gateway
// prefixes to prices.
func parseNumber(raw string) float64 {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimLeft(raw, "CH")
	raw = strings.ReplaceAll(raw, ",", "")
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func parsePercent(raw string) float64 {
	raw = strings.TrimSpace(raw)
	if strings.HasSuffix(raw, "%") {
		return parseNumber(strings.TrimSuffix(raw, "%")) / 100
	}
	return parseNumber(raw)
}

func parseExpiry(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range []string{"20060102", "2006-01-02", "Jan022006"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
