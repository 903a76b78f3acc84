package ddb

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeAPI is a minimal in-memory stand-in for DynamoDBAPI, just enough to
// exercise key construction, conditional writes, and query behavior without
// a real table. It returns every query match in one page and is not a
// general DynamoDB emulator.
type fakeAPI struct {
	items      map[[2]string]map[string]types.AttributeValue
	describeErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{items: map[[2]string]map[string]types.AttributeValue{}}
}

func keyOf(item map[string]types.AttributeValue) [2]string {
	pk, _ := asS(item["pk"])
	sk, _ := asS(item["sk"])
	return [2]string{pk, sk}
}

func (f *fakeAPI) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, opts ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &dynamodb.DescribeTableOutput{}, nil
}

func (f *fakeAPI) GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	pk, _ := asS(in.Key["pk"])
	sk, _ := asS(in.Key["sk"])
	item := f.items[[2]string{pk, sk}]
	return &dynamodb.GetItemOutput{Item: item}, nil
}

func (f *fakeAPI) PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	k := keyOf(in.Item)
	if in.ConditionExpression != nil && *in.ConditionExpression == "attribute_not_exists(pk)" {
		if _, exists := f.items[k]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	f.items[k] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeAPI) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	pk, _ := asS(in.Key["pk"])
	sk, _ := asS(in.Key["sk"])
	delete(f.items, [2]string{pk, sk})
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeAPI) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	return nil, errors.New("UpdateItem is not emulated by this fake (its tests write through TransactWriteItems)")
}

func (f *fakeAPI) Query(ctx context.Context, in *dynamodb.QueryInput, opts ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	var pk string
	if av, ok := in.ExpressionAttributeValues[":pk"]; ok {
		pk, _ = asS(av)
	}
	var skPrefix string
	hasPrefix := false
	if av, ok := in.ExpressionAttributeValues[":prefix"]; ok {
		skPrefix, _ = asS(av)
		hasPrefix = true
	}

	var out []map[string]types.AttributeValue
	for _, item := range f.items {
		attr := "pk"
		if in.IndexName != nil {
			switch *in.IndexName {
			case "gsi2":
				attr = "gsi2pk"
			case "gsi3":
				attr = "gsi3pk"
			case "gsi4":
				attr = "gsi4pk"
			}
		}
		v, ok := asS(item[attr])
		if ok && hasPrefix {
			sk, _ := asS(item["sk"])
			ok = strings.HasPrefix(sk, skPrefix)
		}
		if ok && v == pk {
			out = append(out, item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, _ := asS(out[i]["sk"])
		sj, _ := asS(out[j]["sk"])
		return si < sj
	})
	return &dynamodb.QueryOutput{Items: out}, nil
}

func (f *fakeAPI) BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error) {
	responses := map[string][]map[string]types.AttributeValue{}
	for table, kas := range in.RequestItems {
		for _, key := range kas.Keys {
			pk, _ := asS(key["pk"])
			sk, _ := asS(key["sk"])
			if item, ok := f.items[[2]string{pk, sk}]; ok {
				responses[table] = append(responses[table], item)
			}
		}
	}
	return &dynamodb.BatchGetItemOutput{Responses: responses}, nil
}

func (f *fakeAPI) BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	for _, reqs := range in.RequestItems {
		for _, req := range reqs {
			if req.DeleteRequest != nil {
				pk, _ := asS(req.DeleteRequest.Key["pk"])
				sk, _ := asS(req.DeleteRequest.Key["sk"])
				delete(f.items, [2]string{pk, sk})
			}
			if req.PutRequest != nil {
				f.items[keyOf(req.PutRequest.Item)] = req.PutRequest.Item
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeAPI) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, opts ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	reasons := make([]types.CancellationReason, len(in.TransactItems))
	anyFailed := false

	for i, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			k := keyOf(ti.Put.Item)
			if ti.Put.ConditionExpression != nil && *ti.Put.ConditionExpression == "attribute_not_exists(pk)" {
				if _, exists := f.items[k]; exists {
					code := "ConditionalCheckFailed"
					reasons[i] = types.CancellationReason{Code: &code}
					anyFailed = true
					continue
				}
			}
		case ti.Update != nil:
			k := keyOf(ti.Update.Key)
			current, exists := f.items[k]
			if !exists {
				code := "ConditionalCheckFailed"
				reasons[i] = types.CancellationReason{Code: &code}
				anyFailed = true
				continue
			}
			if ti.Update.ConditionExpression != nil && !evaluateEqualityCondition(current, *ti.Update.ConditionExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues) {
				code := "ConditionalCheckFailed"
				reasons[i] = types.CancellationReason{Code: &code}
				anyFailed = true
				continue
			}
		}
	}

	if anyFailed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			f.items[keyOf(ti.Put.Item)] = ti.Put.Item
		case ti.Update != nil:
			k := keyOf(ti.Update.Key)
			current := f.items[k]
			if current == nil {
				current = map[string]types.AttributeValue{"pk": ti.Update.Key["pk"], "sk": ti.Update.Key["sk"]}
			}
			applyUpdateExpression(current, ti.Update.UpdateExpression, ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues)
			f.items[k] = current
		case ti.Delete != nil:
			delete(f.items, keyOf(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

// evaluateEqualityCondition evaluates the one shape this package's
// ConditionExpression ever takes: "#name = :value". Resolves both sides
// against the names/values maps and compares to the current item's stored
// numeric value.
func evaluateEqualityCondition(item map[string]types.AttributeValue, cond string, names map[string]string, values map[string]types.AttributeValue) bool {
	parts := strings.SplitN(cond, "=", 2)
	if len(parts) != 2 {
		return true
	}
	lhs := strings.TrimSpace(parts[0])
	rhs := strings.TrimSpace(parts[1])
	name := lhs
	if real, ok := names[lhs]; ok {
		name = real
	}
	want, _ := asN(values[rhs])
	got, _ := asN(item[name])
	return got == want
}

var updateClauseRe = regexp.MustCompile(`\b(SET|ADD|REMOVE|DELETE)\b`)

// applyUpdateExpression is a deliberately narrow interpreter of the
// update-expression shapes this package ever generates (SET name = :v,
// ADD name :v, REMOVE name), resolving #name/:v placeholders against the
// names/values maps. It is not a general expression evaluator, only enough
// to make this package's own generated expressions observable in tests.
func applyUpdateExpression(item map[string]types.AttributeValue, expr *string, names map[string]string, values map[string]types.AttributeValue) {
	if expr == nil {
		return
	}
	resolveName := func(tok string) string {
		if real, ok := names[tok]; ok {
			return real
		}
		return tok
	}

	locs := updateClauseRe.FindAllStringSubmatchIndex(*expr, -1)
	for i, loc := range locs {
		keyword := (*expr)[loc[2]:loc[3]]
		bodyStart := loc[1]
		bodyEnd := len(*expr)
		if i+1 < len(locs) {
			bodyEnd = locs[i+1][0]
		}
		body := strings.TrimSpace((*expr)[bodyStart:bodyEnd])
		if body == "" {
			continue
		}

		switch keyword {
		case "SET":
			for _, assign := range strings.Split(body, ",") {
				parts := strings.SplitN(assign, "=", 2)
				if len(parts) != 2 {
					continue
				}
				name := resolveName(strings.TrimSpace(parts[0]))
				item[name] = values[strings.TrimSpace(parts[1])]
			}
		case "ADD":
			for _, assign := range strings.Split(body, ",") {
				fields := strings.Fields(assign)
				if len(fields) != 2 {
					continue
				}
				name := resolveName(fields[0])
				delta, _ := asN(values[fields[1]])
				current, _ := asN(item[name])
				item[name] = &types.AttributeValueMemberN{Value: strconv.FormatInt(current+delta, 10)}
			}
		case "REMOVE":
			for _, name := range strings.Split(body, ",") {
				delete(item, resolveName(strings.TrimSpace(name)))
			}
		}
	}
}
