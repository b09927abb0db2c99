package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prebid/openrtb/v20/openrtb2"
	"go.uber.org/zap"

	"github.com/adxyz/deals/pkg/log"
	"github.com/adxyz/deals/pkg/metric"
)

// BidType is the media type a bidder declared for a bid.
type BidType string

const (
	BidTypeBanner BidType = "banner"
	BidTypeVideo  BidType = "video"
	BidTypeAudio  BidType = "audio"
	BidTypeNative BidType = "native"
)

// ValidationResult carries zero or more validation failure messages. A bid
// with any error is rejected; other bids in the same auction are unaffected.
type ValidationResult struct {
	Errors []string
}

// Success returns a passing result.
func Success() ValidationResult {
	return ValidationResult{}
}

// Error returns a failing result with a formatted message.
func Error(format string, args ...any) ValidationResult {
	return ValidationResult{Errors: []string{fmt.Sprintf(format, args...)}}
}

// HasErrors reports whether validation failed.
func (r ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// ExtDeal is the deal extension payload carrying line item metadata.
type ExtDeal struct {
	Line *ExtDealLine `json:"line"`
}

// ExtDealLine binds a deal to its line item and the creative sizes the line
// item accepts.
type ExtDealLine struct {
	LineItemID    string            `json:"lineitemid"`
	ExtLineItemID string            `json:"extlineitemid,omitempty"`
	Sizes         []openrtb2.Format `json:"sizes,omitempty"`
	BidderCode    string            `json:"bidder,omitempty"`
}

type impExt struct {
	Bidder struct {
		DealsOnly bool `json:"dealsonly"`
	} `json:"bidder"`
}

// BidValidator verifies that a winning bid satisfies the deal and line item
// constraints encoded in the originating auction request. Deal checks run
// only when deals support is enabled; otherwise structural checks alone
// gate acceptance.
type BidValidator struct {
	dealsEnabled bool
	metrics      *metric.Metrics
	log          log.Logger
}

// NewBidValidator creates a bid validator.
func NewBidValidator(dealsEnabled bool, metrics *metric.Metrics, logger log.Logger) *BidValidator {
	if logger == nil {
		logger = log.NoOp()
	}

	return &BidValidator{
		dealsEnabled: dealsEnabled,
		metrics:      metrics,
		log:          logger,
	}
}

// Validate checks a candidate bid against the originating request,
// short-circuiting on the first failure.
func (v *BidValidator) Validate(bid *openrtb2.Bid, bidType BidType, req *openrtb2.BidRequest) ValidationResult {
	if err := validateFields(bid); err != nil {
		return v.reject("fields", err)
	}
	if v.dealsEnabled {
		if err := v.validateDeals(bid, bidType, req); err != nil {
			return v.reject(err.reason, err)
		}
	}
	return Success()
}

func (v *BidValidator) reject(reason string, err error) ValidationResult {
	if v.metrics != nil {
		v.metrics.BidsRejected.WithLabelValues(reason).Inc()
	}
	return ValidationResult{Errors: []string{err.Error()}}
}

type dealError struct {
	reason string
	msg    string
}

func (e *dealError) Error() string { return e.msg }

func dealErrorf(reason, format string, args ...any) *dealError {
	return &dealError{reason: reason, msg: fmt.Sprintf(format, args...)}
}

func validateFields(bid *openrtb2.Bid) error {
	if bid == nil {
		return fmt.Errorf("Empty bid object submitted.")
	}
	if strings.TrimSpace(bid.ID) == "" {
		return fmt.Errorf("Bid missing required field 'id'")
	}
	if strings.TrimSpace(bid.ImpID) == "" {
		return fmt.Errorf("Bid %q missing required field 'impid'", bid.ID)
	}
	if bid.Price <= 0 {
		return fmt.Errorf("Bid %q does not contain a positive 'price'", bid.ID)
	}
	if bid.CrID == "" {
		return fmt.Errorf("Bid %q missing creative ID", bid.ID)
	}
	return nil
}

func (v *BidValidator) validateDeals(bid *openrtb2.Bid, bidType BidType, req *openrtb2.BidRequest) *dealError {
	imp := findImp(req, bid.ImpID)
	if imp == nil {
		return dealErrorf("imp", "Bid %q has no corresponding imp in request", bid.ID)
	}

	if bid.DealID == "" {
		if isDealsOnlyImp(imp) {
			return dealErrorf("dealid", "Bid %q missing required field 'dealid'", bid.ID)
		}
		return nil
	}

	dealIDs := dealIDsFromImp(imp)
	if !contains(dealIDs, bid.DealID) {
		return dealErrorf("dealid",
			"Bid %q has 'dealid' not present in corresponding imp in request. 'dealid' in bid: '%s', deal Ids in imp: '%s'",
			bid.ID, bid.DealID, strings.Join(dealIDs, ","))
	}

	if bidType != BidTypeBanner {
		return nil
	}

	if imp.Banner == nil {
		return dealErrorf("banner",
			"Bid %q has banner media type but corresponding imp in request is missing 'banner' object", bid.ID)
	}

	bannerFormats := imp.Banner.Format
	if !sizeInFormats(bid, bannerFormats) {
		return dealErrorf("banner-format",
			"Bid %q has 'w' and 'h' not supported by corresponding imp in request. Bid dimensions: '%dx%d', formats in imp: '%s'",
			bid.ID, bid.W, bid.H, formatSizes(bannerFormats))
	}

	lineItemSizes := v.lineItemSizes(imp)
	if !sizeInFormats(bid, lineItemSizes) {
		return dealErrorf("lineitem-size",
			"Bid %q has 'w' and 'h' not matched to Line Item. Bid dimensions: '%dx%d', Line Item sizes: '%s'",
			bid.ID, bid.W, bid.H, formatSizes(lineItemSizes))
	}

	return nil
}

func findImp(req *openrtb2.BidRequest, impID string) *openrtb2.Imp {
	for i := range req.Imp {
		if req.Imp[i].ID == impID {
			return &req.Imp[i]
		}
	}
	return nil
}

func isDealsOnlyImp(imp *openrtb2.Imp) bool {
	if len(imp.Ext) == 0 {
		return false
	}
	var ext impExt
	if err := json.Unmarshal(imp.Ext, &ext); err != nil {
		return false
	}
	return ext.Bidder.DealsOnly
}

func dealIDsFromImp(imp *openrtb2.Imp) []string {
	if imp.PMP == nil {
		return nil
	}
	ids := make([]string, 0, len(imp.PMP.Deals))
	for _, deal := range imp.PMP.Deals {
		if deal.ID != "" {
			ids = append(ids, deal.ID)
		}
	}
	return ids
}

// lineItemSizes collects the creative sizes declared by the imp's deals.
// A deal whose extension fails to parse contributes no sizes and is
// skipped, not fatal.
func (v *BidValidator) lineItemSizes(imp *openrtb2.Imp) []openrtb2.Format {
	if imp.PMP == nil {
		return nil
	}

	var sizes []openrtb2.Format
	for _, deal := range imp.PMP.Deals {
		if len(deal.Ext) == 0 {
			continue
		}
		var ext ExtDeal
		if err := json.Unmarshal(deal.Ext, &ext); err != nil {
			v.log.Warn("error decoding deal.ext",
				zap.String("dealId", deal.ID),
				zap.Error(err))
			continue
		}
		if ext.Line != nil {
			sizes = append(sizes, ext.Line.Sizes...)
		}
	}
	return sizes
}

func sizeInFormats(bid *openrtb2.Bid, formats []openrtb2.Format) bool {
	for _, f := range formats {
		if f.W == bid.W && f.H == bid.H {
			return true
		}
	}
	return false
}

func formatSizes(formats []openrtb2.Format) string {
	parts := make([]string, 0, len(formats))
	for _, f := range formats {
		parts = append(parts, fmt.Sprintf("%dx%d", f.W, f.H))
	}
	return strings.Join(parts, ",")
}

func contains(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
