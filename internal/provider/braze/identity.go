package braze

import (
	"context"
)

// aliasName is the fixed alias namespace; the alias label is the recipient's
// email address, so the same recipient always maps to the same alias.
const aliasName = "Enterprise"

type userAlias struct {
	AliasName  string `json:"alias_name"`
	AliasLabel string `json:"alias_label"`
}

type resolvedRecipients struct {
	externalIDs []string
	aliases     []userAlias
}

// resolveRecipients performs one identity lookup per recipient. Recipients
// with a durable profile are addressed by external id and never get an
// alias; the rest are collected for batched provisioning. Resolving fresh on
// every attempt is what keeps retried sends from creating duplicate
// profiles.
func (c *Client) resolveRecipients(ctx context.Context, emails []string) (resolvedRecipients, error) {
	resolved := resolvedRecipients{
		externalIDs: make([]string, 0, len(emails)),
		aliases:     make([]userAlias, 0, len(emails)),
	}

	for _, email := range emails {
		externalID, err := c.ExternalID(ctx, email)
		if err != nil {
			return resolvedRecipients{}, err
		}
		if externalID != "" {
			resolved.externalIDs = append(resolved.externalIDs, externalID)
			continue
		}
		resolved.aliases = append(resolved.aliases, userAlias{
			AliasName:  aliasName,
			AliasLabel: email,
		})
	}

	return resolved, nil
}

// provisionAliases creates anonymous profiles for recipients that had none:
// one batched alias-creation call followed by one batched attribute-set
// call. An empty batch never triggers an API call. Failures propagate as
// terminal errors for the parent send.
func (c *Client) provisionAliases(ctx context.Context, aliases []userAlias) error {
	if len(aliases) == 0 {
		return nil
	}

	aliasBody := map[string]any{"user_aliases": aliases}
	if _, err := c.post(ctx, c.cfg.NewAliasEndpoint, aliasBody); err != nil {
		return err
	}

	attributes := make([]map[string]any, 0, len(aliases))
	for _, alias := range aliases {
		attributes = append(attributes, map[string]any{
			"user_alias":            alias,
			"email":                 alias.AliasLabel,
			"is_enterprise_learner": "true",
		})
	}

	_, err := c.post(ctx, c.cfg.UsersTrackEndpoint, map[string]any{"attributes": attributes})
	return err
}
