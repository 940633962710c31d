/*
Package injection resolves path expressions against upstream task results and
feeds the extracted values into downstream task input.

Grammar:

	expr    := task_id "." segment ("." segment)*
	segment := field | field "[" digits "]" | field "[*]"

"task_a.users[0]" selects the first element of the users array in task_a's
ParsedData; "task_a.users[*]" selects the whole array.
*/
package injection
