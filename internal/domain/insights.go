package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// AIInsights is the structured profile analysis produced by the AI batch.
// The shape mirrors the strict response schema sent to the provider, so
// decoding rejects unknown fields.
type AIInsights struct {
	Reasoning    string   `json:"reasoning"`
	ShortLabel   string   `json:"short_label"`
	ShortSummary string   `json:"short_summary"`
	Tags         []string `json:"tags"`
	Summary      string   `json:"summary"`

	BloggerProfile    BloggerProfile     `json:"blogger_profile"`
	LifeSituation     LifeSituation      `json:"life_situation"`
	Lifestyle         Lifestyle          `json:"lifestyle"`
	Content           ContentProfile     `json:"content"`
	Commercial        CommercialActivity `json:"commercial"`
	AudienceInference AudienceInference  `json:"audience_inference"`
	MarketingValue    MarketingValue     `json:"marketing_value"`

	// Confidence is an integer score 1..5. Keep it an int end to end; it is
	// rendered with %d wherever it appears.
	Confidence int `json:"confidence"`
}

// BloggerProfile covers the blogger's own demography.
type BloggerProfile struct {
	EstimatedAge    *string  `json:"estimated_age"`
	Gender          *string  `json:"gender"`
	City            *string  `json:"city"`
	Profession      *string  `json:"profession"`
	Education       *string  `json:"education"`
	SpeaksLanguages []string `json:"speaks_languages"`
	PageType        *string  `json:"page_type"` // blog | public | business
	HasManager      *bool    `json:"has_manager"`
	ManagerContact  *string  `json:"manager_contact"`
	Country         *string  `json:"country"`
}

// LifeSituation covers family and relationship signals.
type LifeSituation struct {
	HasChildren        *bool   `json:"has_children"`
	ChildrenAgeGroup   *string `json:"children_age_group"`
	RelationshipStatus *string `json:"relationship_status"`
	IsYoungParent      *bool   `json:"is_young_parent"`
}

// Lifestyle covers cars, travel, pets, real estate and overall level.
type Lifestyle struct {
	HasCar            *bool    `json:"has_car"`
	CarClass          *string  `json:"car_class"`
	TravelsFrequently *bool    `json:"travels_frequently"`
	TravelStyle       *string  `json:"travel_style"`
	HasPets           *bool    `json:"has_pets"`
	PetTypes          []string `json:"pet_types"`
	HasRealEstate     *bool    `json:"has_real_estate"`
	LifestyleLevel    *string  `json:"lifestyle_level"`
}

// ContentProfile covers topic, language, tone and format.
type ContentProfile struct {
	// PrimaryCategories holds up to 3 top-level category codes; the first
	// entry is the main category.
	PrimaryCategories        []string `json:"primary_categories"`
	SecondaryTopics          []string `json:"secondary_topics"`
	ContentLanguage          []string `json:"content_language"`
	ContentTone              *string  `json:"content_tone"`
	PostsInRussian           *bool    `json:"posts_in_russian"`
	PostsInKazakh            *bool    `json:"posts_in_kazakh"`
	PreferredFormat          *string  `json:"preferred_format"`
	ContentQuality           *string  `json:"content_quality"`
	UsesProfessionalPhoto    *bool    `json:"uses_professional_photo"`
	HasConsistentVisualStyle *bool    `json:"has_consistent_visual_style"`
	PostingFrequency         *string  `json:"posting_frequency"`
	AudienceInteraction      *string  `json:"audience_interaction"`
	CallToActionStyle        *string  `json:"call_to_action_style"`
}

// CommercialActivity covers ads, brands and own products.
type CommercialActivity struct {
	HasBrandCollaborations  *bool    `json:"has_brand_collaborations"`
	DetectedBrandCategories []string `json:"detected_brand_categories"`
	DetectedBrands          []string `json:"detected_brands"`
	HasAffiliateLinks       *bool    `json:"has_affiliate_links"`
	IsActiveAdvertiser      *bool    `json:"is_active_advertiser"`
	AdFrequency             *string  `json:"ad_frequency"`
	AdFormat                []string `json:"ad_format"`
	HasPriceList            *bool    `json:"has_price_list"`
	EstimatedPriceTier      *string  `json:"estimated_price_tier"`
	OpenToBarter            *bool    `json:"open_to_barter"`
	HasOwnProduct           *bool    `json:"has_own_product"`
	OwnProductType          *string  `json:"own_product_type"`
	AmbassadorBrands        []string `json:"ambassador_brands"`
}

// AudienceInference covers audience guesses derived from content.
type AudienceInference struct {
	AudienceMalePct         *int     `json:"audience_male_pct"`
	AudienceFemalePct       *int     `json:"audience_female_pct"`
	AudienceOtherPct        *int     `json:"audience_other_pct"`
	EstimatedAudienceAge    *string  `json:"estimated_audience_age"`
	AudienceAge1317Pct      *int     `json:"audience_age_13_17_pct"`
	AudienceAge1824Pct      *int     `json:"audience_age_18_24_pct"`
	AudienceAge2534Pct      *int     `json:"audience_age_25_34_pct"`
	AudienceAge3544Pct      *int     `json:"audience_age_35_44_pct"`
	AudienceAge45PlusPct    *int     `json:"audience_age_45_plus_pct"`
	EstimatedAudienceGeo    *string  `json:"estimated_audience_geo"`
	AudienceKZPct           *int     `json:"audience_kz_pct"`
	AudienceRUPct           *int     `json:"audience_ru_pct"`
	AudienceUZPct           *int     `json:"audience_uz_pct"`
	AudienceOtherGeoPct     *int     `json:"audience_other_geo_pct"`
	GeoMentions             []string `json:"geo_mentions"`
	EstimatedAudienceIncome *string  `json:"estimated_audience_income"`
	AudienceInterests       []string `json:"audience_interests"`
	EngagementQuality       *string  `json:"engagement_quality"` // organic | mixed | suspicious
	CommentsSentiment       *string  `json:"comments_sentiment"`
}

// MarketingValue covers advertiser-facing assessment.
type MarketingValue struct {
	BestFitIndustries []string `json:"best_fit_industries"`
	NotSuitableFor    []string `json:"not_suitable_for"`
	CollaborationRisk *string  `json:"collaboration_risk"`
	BrandSafetyScore  *int     `json:"brand_safety_score"` // 1..5
	ValuesAndCauses   []string `json:"values_and_causes"`
}

// ParseInsights decodes a strict AIInsights document. Unknown fields and
// out-of-range confidence are rejected.
func ParseInsights(data []byte) (AIInsights, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var ins AIInsights
	if err := dec.Decode(&ins); err != nil {
		return AIInsights{}, fmt.Errorf("parse insights: %w", err)
	}
	if ins.Confidence < 1 || ins.Confidence > 5 {
		return AIInsights{}, fmt.Errorf("parse insights: confidence %d out of range: %w", ins.Confidence, ErrValidation)
	}
	return ins, nil
}
