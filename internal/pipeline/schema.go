package pipeline

// Strict structured-output schema for the analysis response. Every property
// is required and additionalProperties is off, so the provider either returns
// a complete document or a refusal.

func strField() map[string]any {
	return map[string]any{"type": "string"}
}

func nullStr() map[string]any {
	return map[string]any{"type": []string{"string", "null"}}
}

func nullEnum(values ...string) map[string]any {
	return map[string]any{"type": []string{"string", "null"}, "enum": values}
}

func nullBool() map[string]any {
	return map[string]any{"type": []string{"boolean", "null"}}
}

func nullInt() map[string]any {
	return map[string]any{"type": []string{"integer", "null"}}
}

func nullIntRange(min, max int) map[string]any {
	return map[string]any{"type": []string{"integer", "null"}, "minimum": min, "maximum": max}
}

func strArray() map[string]any {
	return map[string]any{"type": "array", "items": strField()}
}

func enumArray(values []string, maxItems int) map[string]any {
	s := map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string", "enum": values},
	}
	if maxItems > 0 {
		s["maxItems"] = maxItems
	}
	return s
}

// object builds a strict object schema: all properties required, nothing extra.
func object(props map[string]any) map[string]any {
	required := make([]string, 0, len(props))
	for k := range props {
		required = append(required, k)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// insightsSchema returns the response schema. categoryCodes constrains
// primary_categories to the canonical top-level taxonomy.
func insightsSchema(categoryCodes []string) map[string]any {
	bloggerProfile := object(map[string]any{
		"estimated_age":    nullStr(),
		"gender":           nullEnum("male", "female"),
		"city":             nullStr(),
		"profession":       nullStr(),
		"education":        nullStr(),
		"speaks_languages": strArray(),
		"page_type":        nullEnum("blog", "public", "business"),
		"has_manager":      nullBool(),
		"manager_contact":  nullStr(),
		"country":          nullStr(),
	})

	lifeSituation := object(map[string]any{
		"has_children":        nullBool(),
		"children_age_group":  nullStr(),
		"relationship_status": nullStr(),
		"is_young_parent":     nullBool(),
	})

	lifestyle := object(map[string]any{
		"has_car":            nullBool(),
		"car_class":          nullEnum("economy", "middle", "premium", "luxury"),
		"travels_frequently": nullBool(),
		"travel_style":       nullStr(),
		"has_pets":           nullBool(),
		"pet_types":          strArray(),
		"has_real_estate":    nullBool(),
		"lifestyle_level":    nullEnum("budget", "middle", "premium", "luxury"),
	})

	content := object(map[string]any{
		"primary_categories":          enumArray(categoryCodes, 3),
		"secondary_topics":            strArray(),
		"content_language":            strArray(),
		"content_tone":                nullStr(),
		"posts_in_russian":            nullBool(),
		"posts_in_kazakh":             nullBool(),
		"preferred_format":            nullStr(),
		"content_quality":             nullEnum("low", "medium", "high"),
		"uses_professional_photo":     nullBool(),
		"has_consistent_visual_style": nullBool(),
		"posting_frequency":           nullStr(),
		"audience_interaction":        nullStr(),
		"call_to_action_style":        nullStr(),
	})

	commercial := object(map[string]any{
		"has_brand_collaborations":  nullBool(),
		"detected_brand_categories": strArray(),
		"detected_brands":           strArray(),
		"has_affiliate_links":       nullBool(),
		"is_active_advertiser":      nullBool(),
		"ad_frequency":              nullStr(),
		"ad_format":                 strArray(),
		"has_price_list":            nullBool(),
		"estimated_price_tier":      nullEnum("low", "medium", "high", "premium"),
		"open_to_barter":            nullBool(),
		"has_own_product":           nullBool(),
		"own_product_type":          nullStr(),
		"ambassador_brands":         strArray(),
	})

	audience := object(map[string]any{
		"audience_male_pct":         nullIntRange(0, 100),
		"audience_female_pct":       nullIntRange(0, 100),
		"audience_other_pct":        nullIntRange(0, 100),
		"estimated_audience_age":    nullStr(),
		"audience_age_13_17_pct":    nullIntRange(0, 100),
		"audience_age_18_24_pct":    nullIntRange(0, 100),
		"audience_age_25_34_pct":    nullIntRange(0, 100),
		"audience_age_35_44_pct":    nullIntRange(0, 100),
		"audience_age_45_plus_pct":  nullIntRange(0, 100),
		"estimated_audience_geo":    nullStr(),
		"audience_kz_pct":           nullIntRange(0, 100),
		"audience_ru_pct":           nullIntRange(0, 100),
		"audience_uz_pct":           nullIntRange(0, 100),
		"audience_other_geo_pct":    nullIntRange(0, 100),
		"geo_mentions":              strArray(),
		"estimated_audience_income": nullEnum("low", "medium", "high"),
		"audience_interests":        strArray(),
		"engagement_quality":        nullEnum("organic", "mixed", "suspicious"),
		"comments_sentiment":        nullEnum("positive", "neutral", "negative", "mixed"),
	})

	marketing := object(map[string]any{
		"best_fit_industries": strArray(),
		"not_suitable_for":    strArray(),
		"collaboration_risk":  nullEnum("low", "medium", "high"),
		"brand_safety_score":  nullIntRange(1, 5),
		"values_and_causes":   strArray(),
	})

	return object(map[string]any{
		"reasoning":          strField(),
		"short_label":        strField(),
		"short_summary":      strField(),
		"tags":               strArray(),
		"summary":            strField(),
		"blogger_profile":    bloggerProfile,
		"life_situation":     lifeSituation,
		"lifestyle":          lifestyle,
		"content":            content,
		"commercial":         commercial,
		"audience_inference": audience,
		"marketing_value":    marketing,
		"confidence":         map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
	})
}
