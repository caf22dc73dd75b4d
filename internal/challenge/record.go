package challenge

import "path"

const (
	usersRef                = "users"
	selfChallengesRef       = "challenges/self_challenges"
	charityOrganizationsRef = "charity_organizations"
)

// DescriptionLayout is the human-readable timestamp form written for
// start_date and end_date. It is not StartDateLayout: a record posted by
// Join does not parse back through Parse, so once the service restarts a
// running top challenge it posted is no longer found for its user.
const DescriptionLayout = "2006-01-02 15:04:05.999999999 -0700 MST"

func ChallengePath(id string) string {
	return path.Join(selfChallengesRef, id)
}

func ProgressPath(id string) string {
	return path.Join(selfChallengesRef, id, "progress")
}

func UserActiveChallengesPath(uid string) string {
	return path.Join(usersRef, uid, "challenges", "self_challenges", "active_challenges")
}

func OrganizationInfoPath(org Organization) string {
	return path.Join(charityOrganizationsRef, org.ID(), "organization_info")
}

func OrganizationActiveChallengesPath(org Organization) string {
	return path.Join(charityOrganizationsRef, org.ID(), "active_challenges")
}

// Record is the canonical challenge record written on join.
func Record(c *SelfChallenge) map[string]any {
	s := c.Snapshot()
	return map[string]any{
		"challenge_type":       string(s.Kind),
		"duration_seconds":     int(s.DurationSeconds),
		"start_date":           s.StartDate.Format(DescriptionLayout),
		"end_date":             s.EndDate.Format(DescriptionLayout),
		"charity_organization": string(s.Organization),
		"betting_amount":       s.BettingAmount,
		"is_top_challenge":     s.IsTopChallenge,
		"progress":             s.Progress,
		"goal":                 s.Goal,
	}
}

// OrganizationRecord is the public info stored under an organization.
func OrganizationRecord(org Organization) map[string]any {
	return map[string]any{
		"organization_name":   org.Name(),
		"swish_number":        org.SwishNumber(),
		"logotype_image_path": org.LogotypeImagePath(),
	}
}
